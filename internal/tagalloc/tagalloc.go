// Package tagalloc assigns unique outbound tags to usable links. The
// partial unique index on links.outbound_tag is the arbiter: a
// colliding tag simply does not stick, and the allocator retries the
// leftover ids with fresh tags.
package tagalloc

import (
	"crypto/rand"
	"fmt"
	"log"

	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
)

const (
	// TagPrefix marks allocator-owned outbound tags.
	TagPrefix = "x_"

	tagAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tagRandomLen = 6
	maxAttempts  = 6
)

// Allocator assigns tags in batches until no candidates remain.
type Allocator struct {
	store     *store.Store
	stop      *stopflag.Flag
	batchSize int
}

// New creates an allocator with the default batch size of 500.
func New(s *store.Store, stop *stopflag.Flag) *Allocator {
	if stop == nil {
		stop = stopflag.New()
	}
	return &Allocator{store: s, stop: stop, batchSize: 500}
}

// Stats summarizes one allocator run.
type Stats struct {
	Assigned int
	Retried  int
	Leftover int
}

// Run tags every untagged usable link. Ids whose tag collides are
// re-queried and retried with fresh randomness, up to maxAttempts
// rounds per batch.
func (a *Allocator) Run() (Stats, error) {
	var stats Stats
	for !a.stop.Stopped() {
		ids, err := a.store.IDsNeedingTag(a.batchSize)
		if err != nil {
			return stats, err
		}
		if len(ids) == 0 {
			break
		}

		remaining := ids
		for attempt := 0; attempt < maxAttempts && len(remaining) > 0; attempt++ {
			if attempt > 0 {
				stats.Retried += len(remaining)
			}
			var next []int64
			for _, id := range remaining {
				tag, err := NewTag()
				if err != nil {
					return stats, err
				}
				ok, err := a.store.TryAssignTag(id, tag)
				if err != nil {
					return stats, err
				}
				if ok {
					stats.Assigned++
				} else {
					next = append(next, id)
				}
			}
			remaining = next
		}
		if len(remaining) > 0 {
			// Exhausted the retry budget; leave them for the next run.
			stats.Leftover += len(remaining)
			log.Printf("[tagalloc] %d ids still untagged after %d attempts", len(remaining), maxAttempts)
			break
		}
	}
	return stats, nil
}

// NewTag returns a fresh random tag like "x_9hKd2Q".
func NewTag() (string, error) {
	buf := make([]byte, tagRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tagalloc: read random: %w", err)
	}
	out := make([]byte, tagRandomLen)
	for i, b := range buf {
		out[i] = tagAlphabet[int(b)%len(tagAlphabet)]
	}
	return TagPrefix + string(out), nil
}
