// Package grouping collapses links that share a fingerprint into
// groups and elects one primary per group. The group id is the text
// form of the lowest link id ever seen with that fingerprint, so group
// membership is stable across runs.
package grouping

import (
	"fmt"
	"log"
	"strconv"

	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
)

type Grouper struct {
	store     *store.Store
	stop      *stopflag.Flag
	batchSize int
}

func New(s *store.Store, stop *stopflag.Flag) *Grouper {
	if stop == nil {
		stop = stopflag.New()
	}
	return &Grouper{store: s, stop: stop, batchSize: 500}
}

// Stats summarizes one grouping pass.
type Stats struct {
	Fingerprints int
	Grouped      int64
	Corrected    int64
}

// Run assigns a group to every fingerprinted, ungrouped link, then
// re-derives the primary flag across all grouped rows. The second
// phase also heals rows whose primary bit drifted (a primary deleted
// or re-imported out of order).
func (g *Grouper) Run() (Stats, error) {
	var stats Stats

	for !g.stop.Stopped() {
		fingerprints, err := g.store.UngroupedFingerprints(g.batchSize)
		if err != nil {
			return stats, err
		}
		if len(fingerprints) == 0 {
			break
		}
		for _, fp := range fingerprints {
			if g.stop.Stopped() {
				return stats, nil
			}
			stats.Fingerprints++
			grouped, err := g.groupOne(fp)
			if err != nil {
				return stats, err
			}
			stats.Grouped += grouped
		}
	}

	corrected, err := g.store.EnforcePrimaries()
	if err != nil {
		return stats, err
	}
	stats.Corrected = corrected

	log.Printf("[grouping] done: fingerprints=%d grouped=%d corrected=%d",
		stats.Fingerprints, stats.Grouped, stats.Corrected)
	return stats, nil
}

// groupOne resolves the group id for one fingerprint: reuse the id an
// already-grouped sibling carries, otherwise mint it from the lowest
// link id with this fingerprint.
func (g *Grouper) groupOne(fingerprint string) (int64, error) {
	groupID, err := g.store.ExistingGroupID(fingerprint)
	if err != nil {
		return 0, err
	}
	if groupID == "" {
		minID, err := g.store.MinIDForFingerprint(fingerprint)
		if err != nil {
			return 0, err
		}
		if minID == 0 {
			// Raced with a delete; nothing left to group.
			return 0, nil
		}
		groupID = strconv.FormatInt(minID, 10)
	}

	primaryID, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("grouping: malformed group id %q: %w", groupID, err)
	}
	return g.store.AssignGroup(fingerprint, groupID, primaryID)
}
