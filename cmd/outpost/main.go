package main

import (
	"fmt"
	"os"

	"github.com/outpost-proxy/outpost/internal/buildinfo"
	"github.com/outpost-proxy/outpost/internal/config"
)

const usage = `usage: outpost <command> [flags]

commands:
  collect      fetch sources and aggregate descriptor URIs
  import       ingest raw URIs into the database
  tags         assign outbound tags to untagged links
  build        convert tagged URIs into outbound config JSON
  repair       retry invalid URIs with scheme-specific fixes
  fingerprint  hash built configs into protocol identities
  group        collapse identical endpoints and elect primaries
  test         run liveness batches against a live Xray instance
  serve        run the full pipeline continuously
  migrate      apply database migrations and exit
  version      print build information

Run 'outpost <command> -h' for command flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "version" {
		fmt.Printf("outpost %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	app := &appRuntime{env: envCfg}
	var runErr error
	switch cmd {
	case "collect":
		runErr = app.runCollect(args)
	case "import":
		runErr = app.runImport(args)
	case "tags":
		runErr = app.runTags(args)
	case "build":
		runErr = app.runBuild(args)
	case "repair":
		runErr = app.runRepair(args)
	case "fingerprint":
		runErr = app.runFingerprint(args)
	case "group":
		runErr = app.runGroup(args)
	case "test":
		runErr = app.runTest(args)
	case "serve":
		runErr = app.runServe(args)
	case "migrate":
		runErr = app.runMigrate(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", runErr)
		os.Exit(1)
	}
}
