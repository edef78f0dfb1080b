package collector

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/outpost-proxy/outpost/internal/stopflag"
)

func TestExtractURIsPlainText(t *testing.T) {
	body := []byte("some header\nvmess://abc123== junk\ntrojan://pw@host:443?sni=x#name\n")
	uris := ExtractURIs(body)
	if len(uris) != 2 {
		t.Fatalf("uris = %v", uris)
	}
	if uris[0] != "vmess://abc123==" {
		t.Errorf("vmess = %q", uris[0])
	}
	if !strings.HasPrefix(uris[1], "trojan://pw@host:443") {
		t.Errorf("trojan = %q", uris[1])
	}
}

func TestExtractURIsBase64(t *testing.T) {
	plain := "vless://uuid@example.com:443?security=tls\nss://YWVzOnB3@1.2.3.4:8388\n"
	body := []byte(base64.StdEncoding.EncodeToString([]byte(plain)))
	uris := ExtractURIs(body)
	if len(uris) != 2 {
		t.Fatalf("uris = %v", uris)
	}
}

func TestExtractURIsJSONWalk(t *testing.T) {
	body := []byte(`{
		"remarks": "feed",
		"servers": ["vmess://aaaa", {"deep": {"uri": "trojan://p@h:443"}}],
		"outbounds": [
			{"type": "hysteria2", "server": "h.example.com", "port": 443, "password": "pw", "tag": "hy"},
			{"type": "wireguard", "tag": "wg0", "endpoint": "1.2.3.4:51820"}
		]
	}`)
	uris := ExtractURIs(body)
	joined := strings.Join(uris, "\n")
	for _, want := range []string{
		"vmess://aaaa",
		"trojan://p@h:443",
		"hysteria2://pw@h.example.com:443#hy",
		"# Wireguard config: wg0 - 1.2.3.4:51820",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %v", want, uris)
		}
	}
}

func TestExtractURIsClashYAML(t *testing.T) {
	body := []byte(`proxies:
  - name: one
    type: ss
    server: 1.2.3.4
    port: 8388
    cipher: aes-256-gcm
    password: secret
  - name: two
    type: trojan
    server: t.example.com
    port: 443
    password: pw
`)
	uris := ExtractURIs(body)
	if len(uris) != 2 {
		t.Fatalf("uris = %v", uris)
	}
	if !strings.HasPrefix(uris[0], "ss://") || !strings.Contains(uris[0], "@1.2.3.4:8388") {
		t.Errorf("ss uri = %q", uris[0])
	}
	if !strings.HasPrefix(uris[1], "trojan://pw@t.example.com:443") {
		t.Errorf("trojan uri = %q", uris[1])
	}
}

func TestExtractURIsDeduplicates(t *testing.T) {
	body := []byte("vmess://same\nvmess://same\nvmess://other\n")
	uris := ExtractURIs(body)
	if len(uris) != 2 {
		t.Fatalf("uris = %v", uris)
	}
}

func writeSources(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCollectsAndPrunes(t *testing.T) {
	sources := writeSources(t,
		"# main feeds",
		"https://good.example.com/sub",
		"https://dead.example.com/sub",
		"https://dup.example.com/sub",
	)
	output := filepath.Join(t.TempDir(), "raw.txt")

	fetch := func(ctx context.Context, url string) ([]byte, error) {
		switch {
		case strings.Contains(url, "good"):
			return []byte("vmess://one\nvless://two@h:443\n"), nil
		case strings.Contains(url, "dup"):
			// Only duplicates of what good already produced.
			return []byte("vmess://one\n"), nil
		default:
			return nil, errors.New("connection refused")
		}
	}

	c := New(Config{SourcesFile: sources, OutputFile: output, Workers: 2}, fetch, stopflag.New())
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sources != 3 || stats.FailedSources != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.URIs != 2 {
		t.Fatalf("uris = %d, want 2 after cross-source dedupe", stats.URIs)
	}

	out, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "vmess://one") || !strings.Contains(string(out), "vless://two@h:443") {
		t.Fatalf("output = %q", out)
	}

	// Dead source dropped, comment and live sources kept, dup source
	// kept (it yielded URIs even though all were duplicates).
	src, err := os.ReadFile(sources)
	if err != nil {
		t.Fatal(err)
	}
	text := string(src)
	if strings.Contains(text, "dead.example.com") {
		t.Error("dead source not pruned")
	}
	for _, want := range []string{"# main feeds", "good.example.com", "dup.example.com"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in pruned sources", want)
		}
	}
	if stats.RemovedSources != 1 {
		t.Errorf("removed = %d, want 1", stats.RemovedSources)
	}
}
