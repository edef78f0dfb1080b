// Package jsonbuild converts collected URIs into Xray outbound JSON
// via the parser bridge and stores the canonical result.
package jsonbuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/outpost-proxy/outpost/internal/bridge"
	"github.com/outpost-proxy/outpost/internal/model"
	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
)

// Convert is the bridge call. Injectable for tests; production wiring
// passes (*bridge.Bridge).Convert.
type Convert func(uri string) (string, error)

// retryPause is the wait before the single retry after a transient
// bridge failure.
const retryPause = 200 * time.Millisecond

// Builder processes conversion candidates in batches.
type Builder struct {
	store     *store.Store
	convert   Convert
	stop      *stopflag.Flag
	batchSize int
}

// New creates a builder with the default batch size of 1000.
func New(s *store.Store, convert Convert, stop *stopflag.Flag) *Builder {
	if stop == nil {
		stop = stopflag.New()
	}
	return &Builder{store: s, convert: convert, stop: stop, batchSize: 1000}
}

// Stats summarizes one builder run.
type Stats struct {
	Converted   int
	Invalid     int
	Unsupported int
	Retried     int
}

// Run converts every candidate until none remain or a stop is
// requested. Candidates leave the set on every outcome (converted,
// invalid, or unsupported), so the loop terminates.
func (b *Builder) Run() (Stats, error) {
	var stats Stats
	for !b.stop.Stopped() {
		candidates, err := b.store.BuildCandidates(b.batchSize)
		if err != nil {
			return stats, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			if b.stop.Stopped() {
				return stats, nil
			}
			if err := b.buildOne(c, &stats); err != nil {
				return stats, err
			}
		}
	}
	log.Printf("[jsonbuild] done: converted=%d invalid=%d unsupported=%d retried=%d",
		stats.Converted, stats.Invalid, stats.Unsupported, stats.Retried)
	return stats, nil
}

func (b *Builder) buildOne(c store.BuildCandidate, stats *Stats) error {
	scheme := model.URIScheme(c.URI)
	if _, ok := model.ProtocolFromScheme(scheme); !ok {
		stats.Unsupported++
		return b.store.MarkUnsupported(c.ID)
	}

	raw, err := b.convert(c.URI)
	if errors.Is(err, bridge.ErrTimeout) {
		// One retry: the subprocess may have just restarted.
		stats.Retried++
		time.Sleep(retryPause)
		raw, err = b.convert(c.URI)
	}
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrNotConvertible), errors.Is(err, bridge.ErrTimeout):
		stats.Invalid++
		return b.store.MarkInvalid(c.ID)
	default:
		// Subprocess unusable: abort the run rather than poison rows.
		return fmt.Errorf("jsonbuild: convert link %d: %w", c.ID, err)
	}

	canonical, err := InjectTag(raw, c.OutboundTag)
	if err != nil {
		stats.Invalid++
		return b.store.MarkInvalid(c.ID)
	}
	stats.Converted++
	return b.store.SetConfigJSON(c.ID, canonical)
}

// InjectTag sets the outbound tag on the converted value — an object,
// or a single-element array's element — and returns canonical JSON
// (sorted keys, no insignificant whitespace).
func InjectTag(rawJSON, tag string) (string, error) {
	var doc any
	if err := json.Unmarshal([]byte(rawJSON), &doc); err != nil {
		return "", fmt.Errorf("jsonbuild: parse converted json: %w", err)
	}
	switch t := doc.(type) {
	case map[string]any:
		t["tag"] = tag
	case []any:
		if len(t) != 1 {
			return "", fmt.Errorf("jsonbuild: converted array has %d elements, want 1", len(t))
		}
		obj, ok := t[0].(map[string]any)
		if !ok {
			return "", errors.New("jsonbuild: converted array element is not an object")
		}
		obj["tag"] = tag
	default:
		return "", errors.New("jsonbuild: converted value is not an object or array")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("jsonbuild: marshal canonical: %w", err)
	}
	return string(out), nil
}
