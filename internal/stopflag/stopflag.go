// Package stopflag provides a cooperative stop token shared by
// long-running jobs. A Flag starts unset, can be set exactly once from
// any goroutine, and exposes both a polling check and a channel for
// select loops.
package stopflag

import (
	"log"
	"os"
	"sync"
	"time"
)

// Flag is a one-way stop signal. The zero value is not usable; call New.
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

// New returns an unset Flag.
func New() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Stop sets the flag. Safe to call multiple times.
func (f *Flag) Stop() {
	f.once.Do(func() { close(f.ch) })
}

// Stopped reports whether the flag has been set.
func (f *Flag) Stopped() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Chan returns a channel closed when the flag is set.
func (f *Flag) Chan() <-chan struct{} {
	return f.ch
}

// WatchFile polls path at the given interval and sets the flag when the
// file exists. Returns immediately; polling runs until the flag is set.
func (f *Flag) WatchFile(path string, interval time.Duration) {
	if path == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.ch:
				return
			case <-ticker.C:
				if _, err := os.Stat(path); err == nil {
					log.Printf("[stopflag] stop file %s present, stopping", path)
					f.Stop()
					return
				}
			}
		}
	}()
}
