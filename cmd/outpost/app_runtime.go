package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outpost-proxy/outpost/internal/batchtest"
	"github.com/outpost-proxy/outpost/internal/bridge"
	"github.com/outpost-proxy/outpost/internal/collector"
	"github.com/outpost-proxy/outpost/internal/config"
	"github.com/outpost-proxy/outpost/internal/fingerprint"
	"github.com/outpost-proxy/outpost/internal/geoip"
	"github.com/outpost-proxy/outpost/internal/grouping"
	"github.com/outpost-proxy/outpost/internal/ingest"
	"github.com/outpost-proxy/outpost/internal/jsonbuild"
	"github.com/outpost-proxy/outpost/internal/netutil"
	"github.com/outpost-proxy/outpost/internal/probe"
	"github.com/outpost-proxy/outpost/internal/repair"
	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
	"github.com/outpost-proxy/outpost/internal/tagalloc"
	"github.com/outpost-proxy/outpost/internal/xrayctl"
)

// appRuntime wires subcommands to their dependencies. Each command
// opens what it needs and tears it down before returning.
type appRuntime struct {
	env *config.EnvConfig
}

func (a *appRuntime) openStore() (*store.Store, error) {
	s, err := store.Open(a.env.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(s.DB()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// newStopFlag trips on SIGINT/SIGTERM and, when configured, on the
// appearance of the stop file.
func (a *appRuntime) newStopFlag(stopFile string) *stopflag.Flag {
	stop := stopflag.New()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Printf("received signal %s, stopping", sig)
		stop.Stop()
	}()
	if stopFile != "" {
		stop.WatchFile(stopFile, time.Second)
	}
	return stop
}

// stopContext cancels when the flag trips.
func stopContext(stop *stopflag.Flag) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop.Chan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// newConvert starts the parser bridge and returns its convert function
// plus a shutdown hook.
func (a *appRuntime) newConvert(command, assetsDir string) (jsonbuild.Convert, func(), error) {
	b, err := bridge.New(bridge.Config{
		Command:   strings.Fields(command),
		AssetsDir: assetsDir,
	})
	if err != nil {
		return nil, nil, err
	}
	return b.Convert, b.Close, nil
}

func (a *appRuntime) runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	log.Printf("[migrate] schema up to date at %s", a.env.DBPath)
	return nil
}

func (a *appRuntime) runCollect(args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	sources := fs.String("sources", a.env.SourcesFile, "source list file")
	output := fs.String("output", a.env.RawFile, "aggregated URI output file")
	workers := fs.Int("workers", a.env.CollectWorkers, "concurrent fetches")
	timeout := fs.Duration("timeout", a.env.FetchTimeout, "per-fetch timeout")
	stopFile := fs.String("stop-file", a.env.StopFile, "stop when this file appears")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stop := a.newStopFlag(*stopFile)
	ctx, cancel := stopContext(stop)
	defer cancel()

	c := collector.New(collector.Config{
		SourcesFile:  *sources,
		OutputFile:   *output,
		Workers:      *workers,
		FetchTimeout: *timeout,
	}, nil, stop)
	stats, err := c.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("[collect] sources=%d failed=%d removed=%d uris=%d",
		stats.Sources, stats.FailedSources, stats.RemovedSources, stats.URIs)
	return nil
}

func (a *appRuntime) runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", a.env.RawFile, "raw URI file to ingest")
	stopFile := fs.String("stop-file", a.env.StopFile, "stop when this file appears")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stop := a.newStopFlag(*stopFile)
	_, err = ingest.New(s, stop).Run(*file)
	return err
}

func (a *appRuntime) runTags(args []string) error {
	fs := flag.NewFlagSet("tags", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = tagalloc.New(s, a.newStopFlag("")).Run()
	return err
}

func (a *appRuntime) runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	bridgeCmd := fs.String("bridge-cmd", a.env.BridgeCommand, "parser bridge command line")
	bridgeDir := fs.String("bridge-dir", a.env.BridgeAssetsDir, "parser bridge working directory")
	stopFile := fs.String("stop-file", a.env.StopFile, "stop when this file appears")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	convert, closeBridge, err := a.newConvert(*bridgeCmd, *bridgeDir)
	if err != nil {
		return err
	}
	defer closeBridge()

	_, err = jsonbuild.New(s, convert, a.newStopFlag(*stopFile)).Run()
	return err
}

func (a *appRuntime) runRepair(args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	bridgeCmd := fs.String("bridge-cmd", a.env.BridgeCommand, "parser bridge command line")
	bridgeDir := fs.String("bridge-dir", a.env.BridgeAssetsDir, "parser bridge working directory")
	stopFile := fs.String("stop-file", a.env.StopFile, "stop when this file appears")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	convert, closeBridge, err := a.newConvert(*bridgeCmd, *bridgeDir)
	if err != nil {
		return err
	}
	defer closeBridge()

	_, err = repair.New(s, convert, a.newStopFlag(*stopFile)).Run()
	return err
}

func (a *appRuntime) runFingerprint(args []string) error {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = fingerprint.NewUpdater(s, a.newStopFlag("")).Run()
	return err
}

func (a *appRuntime) runGroup(args []string) error {
	fs := flag.NewFlagSet("group", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = grouping.New(s, a.newStopFlag("")).Run()
	return err
}

// testFlags registers the batch engine flag set shared by `test` and
// `serve`.
type testFlags struct {
	count, parallel, portStart, maxBatches *int
	tagPrefix, socksUser, socksPass        *string
	socksListen, xrayBin, apiServer        *string
	probeBin, owner, runID, stopFile       *string
	lockTimeout, checkTimeout, idleSleep   *time.Duration
	once                                   *bool
}

func (a *appRuntime) registerTestFlags(fs *flag.FlagSet) *testFlags {
	env := a.env
	return &testFlags{
		count:        fs.Int("count", env.BatchCount, "links per batch"),
		parallel:     fs.Int("parallel", env.BatchParallel, "concurrent probes"),
		portStart:    fs.Int("port-start", env.PortStart, "first inbound port"),
		maxBatches:   fs.Int("max-batches", 0, "stop after N batches (0 = run until stopped)"),
		tagPrefix:    fs.String("inbound-tag-prefix", env.InboundTagPrefix, "slot tag prefix"),
		socksUser:    fs.String("socks-user", env.SocksUser, "test inbound username"),
		socksPass:    fs.String("socks-pass", env.SocksPass, "test inbound password"),
		socksListen:  fs.String("socks-listen", env.SocksListen, "test inbound listen address"),
		xrayBin:      fs.String("xray-bin", env.XrayBin, "xray binary"),
		apiServer:    fs.String("api-server", env.APIServer, "xray API host:port (empty = autodetect)"),
		probeBin:     fs.String("probe-bin", env.ProbeBin, "connectivity checker binary"),
		owner:        fs.String("owner", "", "lease owner id (default host:pid)"),
		runID:        fs.String("run-id", "", "run label appended to the owner id"),
		stopFile:     fs.String("stop-file", env.StopFile, "stop when this file appears"),
		lockTimeout:  fs.Duration("lock-timeout", env.LockTimeout, "reservation lease length"),
		checkTimeout: fs.Duration("check-timeout", env.CheckTimeout, "checker timeout per link"),
		idleSleep:    fs.Duration("idle-sleep", env.IdleSleep, "pause when nothing is eligible"),
		once:         fs.Bool("once", false, "shorthand for -max-batches=1"),
	}
}

func (f *testFlags) engineConfig() batchtest.Config {
	maxBatches := *f.maxBatches
	if *f.once && maxBatches == 0 {
		maxBatches = 1
	}
	return batchtest.Config{
		Count:            *f.count,
		Parallel:         *f.parallel,
		PortStart:        *f.portStart,
		InboundTagPrefix: *f.tagPrefix,
		LockTimeout:      *f.lockTimeout,
		CheckTimeout:     *f.checkTimeout,
		IdleSleep:        *f.idleSleep,
		MaxBatches:       maxBatches,
		SocksListen:      *f.socksListen,
		SocksUser:        *f.socksUser,
		SocksPass:        *f.socksPass,
		Owner:            *f.owner,
		RunID:            *f.runID,
	}
}

// newEngine builds the batch engine and its geo enrichment service.
// The returned shutdown hook stops the geo service.
func (a *appRuntime) newEngine(ctx context.Context, s *store.Store, f *testFlags, stop *stopflag.Flag) (*batchtest.Engine, func(), error) {
	server := *f.apiServer
	if server == "" {
		detected, err := xrayctl.DetectAPIServer(ctx, *f.xrayBin, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[test] detected xray API server at %s", detected)
		server = detected
	}
	client := xrayctl.New(*f.xrayBin, server, nil)

	checker := probe.New(*f.probeBin, *f.checkTimeout)

	geoSvc := geoip.NewService(geoip.ServiceConfig{
		CacheDir:       a.env.CacheDir,
		UpdateSchedule: a.env.GeoIPUpdateSchedule,
		Downloader: &netutil.RetryDownloader{
			Inner: &netutil.DirectDownloader{Timeout: a.env.FetchTimeout},
		},
	})
	if err := geoSvc.Start(); err != nil {
		log.Printf("[test] geoip disabled: %v", err)
		geoSvc = nil
	}

	var geo batchtest.GeoResolver
	if geoSvc != nil {
		geo = geoSvc
	}
	engine := batchtest.New(s, client, checker.Check, geo, stop, f.engineConfig())
	shutdown := func() {
		if geoSvc != nil {
			geoSvc.Stop()
		}
	}
	return engine, shutdown, nil
}

func (a *appRuntime) runTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	f := a.registerTestFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stop := a.newStopFlag(*f.stopFile)
	ctx, cancel := stopContext(stop)
	defer cancel()

	engine, shutdown, err := a.newEngine(ctx, s, f, stop)
	if err != nil {
		return err
	}
	defer shutdown()

	_, err = engine.Run(ctx)
	return err
}

// runServe keeps the batch engine running and refreshes the raw pool
// on the collect schedule: fetch sources, ingest, tag, build, then
// fingerprint and group so fresh links become testable.
func (a *appRuntime) runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	f := a.registerTestFlags(fs)
	bridgeCmd := fs.String("bridge-cmd", a.env.BridgeCommand, "parser bridge command line")
	bridgeDir := fs.String("bridge-dir", a.env.BridgeAssetsDir, "parser bridge working directory")
	schedule := fs.String("collect-schedule", a.env.CollectSchedule, "cron schedule for the collect pass")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stop := a.newStopFlag(*f.stopFile)
	ctx, cancel := stopContext(stop)
	defer cancel()

	engine, shutdown, err := a.newEngine(ctx, s, f, stop)
	if err != nil {
		return err
	}
	defer shutdown()

	sched := cron.New()
	if _, err := sched.AddFunc(*schedule, func() {
		if err := a.refreshPool(ctx, s, *bridgeCmd, *bridgeDir, stop); err != nil {
			log.Printf("[serve] refresh pass failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("serve: collect schedule: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// One refresh up front so a cold database has something to test.
	if err := a.refreshPool(ctx, s, *bridgeCmd, *bridgeDir, stop); err != nil {
		log.Printf("[serve] initial refresh failed: %v", err)
	}

	_, err = engine.Run(ctx)
	return err
}

// refreshPool runs one end-to-end intake pass.
func (a *appRuntime) refreshPool(ctx context.Context, s *store.Store, bridgeCmd, bridgeDir string, stop *stopflag.Flag) error {
	c := collector.New(collector.Config{
		SourcesFile:  a.env.SourcesFile,
		OutputFile:   a.env.RawFile,
		Workers:      a.env.CollectWorkers,
		FetchTimeout: a.env.FetchTimeout,
	}, nil, stop)
	if _, err := c.Run(ctx); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	if _, err := ingest.New(s, stop).Run(a.env.RawFile); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if _, err := tagalloc.New(s, stop).Run(); err != nil {
		return fmt.Errorf("tags: %w", err)
	}

	convert, closeBridge, err := a.newConvert(bridgeCmd, bridgeDir)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer closeBridge()
	if _, err := jsonbuild.New(s, convert, stop).Run(); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if _, err := repair.New(s, convert, stop).Run(); err != nil {
		return fmt.Errorf("repair: %w", err)
	}

	if _, err := fingerprint.NewUpdater(s, stop).Run(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if _, err := grouping.New(s, stop).Run(); err != nil {
		return fmt.Errorf("group: %w", err)
	}
	return nil
}
