package fingerprint

import (
	"errors"
	"log"

	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
)

// Updater fills the fingerprint column for every built link that does
// not have one yet.
type Updater struct {
	store     *store.Store
	stop      *stopflag.Flag
	batchSize int
}

func NewUpdater(s *store.Store, stop *stopflag.Flag) *Updater {
	if stop == nil {
		stop = stopflag.New()
	}
	return &Updater{store: s, stop: stop, batchSize: 500}
}

// Stats summarizes one fingerprint pass.
type Stats struct {
	Candidates int
	Hashed     int
	Skipped    int
	Invalid    int
}

// Run walks the unhashed rows in id order. Unparseable config JSON
// flips the row invalid; unsupported protocols are left alone for a
// later release to pick up.
func (u *Updater) Run() (Stats, error) {
	var stats Stats
	var lastID int64
	for !u.stop.Stopped() {
		candidates, err := u.store.FingerprintCandidates(lastID, u.batchSize)
		if err != nil {
			return stats, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			lastID = c.ID
			if u.stop.Stopped() {
				return stats, nil
			}
			stats.Candidates++

			fp, err := Compute(c.ConfigJSON)
			switch {
			case err == nil:
				if err := u.store.SetFingerprint(c.ID, fp); err != nil {
					return stats, err
				}
				stats.Hashed++
			case errors.Is(err, ErrUnsupportedProtocol), errors.Is(err, ErrNoOutbound):
				stats.Skipped++
			default:
				if err := u.store.MarkInvalid(c.ID); err != nil {
					return stats, err
				}
				stats.Invalid++
			}
		}
	}

	log.Printf("[fingerprint] done: candidates=%d hashed=%d skipped=%d invalid=%d",
		stats.Candidates, stats.Hashed, stats.Skipped, stats.Invalid)
	return stats, nil
}
