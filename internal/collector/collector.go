// Package collector fetches subscription sources and extracts proxy
// descriptor URIs into the raw links file consumed by the importer.
package collector

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/outpost-proxy/outpost/internal/netutil"
	"github.com/outpost-proxy/outpost/internal/stopflag"
)

// Fetcher downloads one subscription body. Injectable for tests.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// Config holds the collector knobs.
type Config struct {
	SourcesFile  string
	OutputFile   string
	Workers      int           // default 10
	FetchTimeout time.Duration // per attempt, default 30s
	Attempts     int           // per source, default 3
	RetryPause   time.Duration // default 1s
}

// Collector runs one collection pass over all sources.
type Collector struct {
	cfg   Config
	fetch Fetcher
	stop  *stopflag.Flag
}

// New creates a collector. A nil fetch falls back to the retrying HTTP
// downloader.
func New(cfg Config, fetch Fetcher, stop *stopflag.Flag) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = time.Second
	}
	if stop == nil {
		stop = stopflag.New()
	}
	if fetch == nil {
		rd := &netutil.RetryDownloader{
			Inner:    netutil.NewDirectDownloader(cfg.FetchTimeout),
			Attempts: cfg.Attempts,
			Pause:    cfg.RetryPause,
		}
		fetch = rd.Download
	}
	return &Collector{cfg: cfg, fetch: fetch, stop: stop}
}

// Stats summarizes one collection pass.
type Stats struct {
	Sources        int
	FailedSources  int
	RemovedSources int
	URIs           int
}

type sourceResult struct {
	url       string
	uris      []string // after cross-source dedupe
	extracted int      // before dedupe; pruning keys off this
	err       error
}

// Run fetches every source, extracts URIs, rewrites the output file,
// and prunes sources that yielded nothing.
func (c *Collector) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	lines, sources, err := readSources(c.cfg.SourcesFile)
	if err != nil {
		return stats, err
	}
	stats.Sources = len(sources)
	if len(sources) == 0 {
		log.Printf("[collector] no sources in %s", c.cfg.SourcesFile)
		return stats, nil
	}

	// Cross-source dedupe: first worker to claim a URI's hash keeps it.
	seen := xsync.NewMap[uint64, struct{}]()

	jobs := make(chan string)
	results := make(chan sourceResult)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range jobs {
				results <- c.collectOne(ctx, url, seen)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, url := range sources {
			if c.stop.Stopped() || ctx.Err() != nil {
				return
			}
			select {
			case jobs <- url:
			case <-c.stop.Chan():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	yield := make(map[string]sourceResult, len(sources))
	for res := range results {
		if res.err != nil {
			stats.FailedSources++
			log.Printf("[collector] %s: fetch failed: %v",
				netutil.ExtractDomain(res.url), res.err)
		}
		yield[res.url] = res
	}

	var all []string
	for _, url := range sources {
		all = append(all, yield[url].uris...)
	}
	stats.URIs = len(all)

	if err := writeFileAtomic(c.cfg.OutputFile, strings.Join(all, "\n")+"\n"); err != nil {
		return stats, err
	}

	// Drop dead sources, unless the whole pass was cut short.
	if !c.stop.Stopped() && ctx.Err() == nil {
		kept, removed := pruneSources(lines, yield)
		stats.RemovedSources = removed
		if removed > 0 {
			if err := writeFileAtomic(c.cfg.SourcesFile, strings.Join(kept, "\n")+"\n"); err != nil {
				return stats, err
			}
		}
	}

	log.Printf("[collector] done: sources=%d failed=%d removed=%d uris=%d",
		stats.Sources, stats.FailedSources, stats.RemovedSources, stats.URIs)
	return stats, nil
}

func (c *Collector) collectOne(ctx context.Context, url string, seen *xsync.Map[uint64, struct{}]) sourceResult {
	body, err := c.fetch(ctx, url)
	if err != nil {
		return sourceResult{url: url, err: err}
	}

	extracted := ExtractURIs(body)
	kept := extracted[:0]
	for _, uri := range extracted {
		if _, loaded := seen.LoadOrStore(xxh3.HashString(uri), struct{}{}); loaded {
			continue
		}
		kept = append(kept, uri)
	}
	log.Printf("[collector] %s: %d uris (%d new)",
		netutil.ExtractDomain(url), len(extracted), len(kept))
	return sourceResult{url: url, uris: kept, extracted: len(extracted)}
}

// readSources returns the raw lines (for rewriting) and the source URLs.
func readSources(path string) (lines []string, sources []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sources %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		sources = append(sources, trimmed)
	}
	return lines, sources, sc.Err()
}

// pruneSources drops source lines whose URL yielded zero URIs, keeping
// comments, blanks, and order. A source that produced only duplicates
// still counts as alive.
func pruneSources(lines []string, yield map[string]sourceResult) (kept []string, removed int) {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			kept = append(kept, line)
			continue
		}
		res, known := yield[trimmed]
		if known && res.extracted == 0 {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	return kept, removed
}

func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
