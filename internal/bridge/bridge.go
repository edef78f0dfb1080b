// Package bridge drives the external link-parser subprocess that turns
// descriptor URIs into Xray outbound JSON.
//
// Protocol: the subprocess prints READY on stdout once initialized,
// then answers one line per input line — either an outbound JSON
// object, the literal null, or ERR:<message>. Newlines inside the URI
// are replaced with spaces before writing.
package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// ErrNotConvertible is the permanent failure: the bridge answered null
// or ERR for this URI. Retrying the same bytes will not help.
var ErrNotConvertible = errors.New("bridge: link not convertible")

// ErrTimeout is the transient failure: the bridge did not answer in
// time and was killed. The caller may retry once; the next call
// restarts the subprocess.
var ErrTimeout = errors.New("bridge: conversion timed out")

// AssetsDirEnv points the subprocess at its bundled parser assets.
const AssetsDirEnv = "OUTPOST_BRIDGE_DIR"

// Config holds the subprocess command line and timeouts.
type Config struct {
	Command        []string      // e.g. ["node", "/opt/outpost/bridge.js"]
	AssetsDir      string        // exported as OUTPOST_BRIDGE_DIR
	ReadyTimeout   time.Duration // default 15s
	ConvertTimeout time.Duration // default 10s
	CacheSize      int           // conversion cache entries, default 4096
}

type cacheEntry struct {
	json string
	ok   bool // false: remembered ErrNotConvertible
}

// Bridge is a serialized client around one subprocess instance. Safe
// for concurrent use; calls are answered one at a time.
type Bridge struct {
	cfg   Config
	cache otter.Cache[string, cacheEntry]

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	dead  bool
}

// New creates a bridge client. The subprocess starts lazily on the
// first Convert call.
func New(cfg Config) (*Bridge, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("bridge: empty command")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := otter.MustBuilder[string, cacheEntry](cfg.CacheSize).
		Cost(func(_ string, _ cacheEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("bridge: build cache: %w", err)
	}
	return &Bridge{cfg: cfg, cache: cache}, nil
}

// Convert turns one URI into outbound JSON. Returns ErrNotConvertible
// for links the parser rejects and ErrTimeout when the subprocess
// stalls; other errors indicate the subprocess could not be started.
func (b *Bridge) Convert(uri string) (string, error) {
	key := strings.TrimSpace(uri)
	if key == "" {
		return "", ErrNotConvertible
	}
	if entry, found := b.cache.Get(key); found {
		if !entry.ok {
			return "", ErrNotConvertible
		}
		return entry.json, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureStarted(); err != nil {
		return "", err
	}

	line := strings.ReplaceAll(strings.ReplaceAll(key, "\r", " "), "\n", " ")
	if _, err := io.WriteString(b.stdin, line+"\n"); err != nil {
		b.killLocked()
		return "", fmt.Errorf("bridge: write: %w", err)
	}

	select {
	case answer, open := <-b.lines:
		if !open {
			b.killLocked()
			return "", fmt.Errorf("bridge: subprocess closed stdout")
		}
		answer = strings.TrimSpace(answer)
		if answer == "null" || answer == "" || strings.HasPrefix(answer, "ERR:") {
			b.cache.Set(key, cacheEntry{ok: false})
			return "", ErrNotConvertible
		}
		b.cache.Set(key, cacheEntry{json: answer, ok: true})
		return answer, nil
	case <-time.After(b.cfg.ConvertTimeout):
		b.killLocked()
		return "", ErrTimeout
	}
}

// Close terminates the subprocess if running.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killLocked()
}

// ensureStarted launches the subprocess and waits for READY. Must be
// called with mu held.
func (b *Bridge) ensureStarted() error {
	if b.cmd != nil && !b.dead {
		return nil
	}
	b.killLocked()

	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Env = os.Environ()
	if b.cfg.AssetsDir != "" {
		cmd.Env = append(cmd.Env, AssetsDirEnv+"="+b.cfg.AssetsDir)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("bridge: start %s: %w", b.cfg.Command[0], err)
	}

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	select {
	case first, open := <-lines:
		if !open || strings.TrimSpace(first) != "READY" {
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("bridge: expected READY, got %q", first)
		}
	case <-time.After(b.cfg.ReadyTimeout):
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("bridge: READY not received within %s: %w", b.cfg.ReadyTimeout, ErrTimeout)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.lines = lines
	b.dead = false
	log.Printf("[bridge] subprocess started (pid %d)", cmd.Process.Pid)
	return nil
}

// killLocked tears the subprocess down; the next Convert restarts it.
// Must be called with mu held.
func (b *Bridge) killLocked() {
	if b.cmd == nil {
		return
	}
	if b.stdin != nil {
		b.stdin.Close()
	}
	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	b.cmd.Wait()
	b.cmd = nil
	b.stdin = nil
	b.lines = nil
	b.dead = true
}
