package store

import (
	"database/sql"
	"fmt"

	"github.com/outpost-proxy/outpost/internal/model"
)

// eligibleGuard is the shared predicate for test candidates. A row is
// eligible when it is the primary of its group, fully built, and either
// idle or holding an expired lease. The same predicate is re-checked in
// the reservation UPDATE so a row grabbed by a concurrent owner between
// SELECT and UPDATE is skipped, never double-reserved.
const eligibleGuard = `
	is_primary = 1
	AND outbound_tag IS NOT NULL AND TRIM(outbound_tag) != ''
	AND config_json IS NOT NULL AND TRIM(config_json) != ''
	AND is_invalid = 0 AND is_unsupported = 0
	AND (test_status = 'idle'
	     OR (test_status = 'running'
	         AND (test_lock_until IS NULL OR test_lock_until < ?)))`

// Reservation pairs a reserved link with its slot for one batch entry.
type Reservation struct {
	LinkID      int64
	OutboundTag string
	ConfigJSON  string
	SlotID      int64
	Port        int
	InboundTag  string
}

// ReserveParams carries the lease fields written on reservation.
type ReserveParams struct {
	Now       string
	LockUntil string
	Owner     string
	BatchID   string
	Count     int
}

// ReserveBatch selects up to Count eligible links ordered by staleness
// (never-tested first), pairs them with free slots, and reserves both
// sides inside one immediate transaction. A guarded-update rowcount
// mismatch aborts the whole batch. Returns the reservations; fewer than
// Count (including zero) is not an error.
func (s *Store) ReserveBatch(p ReserveParams) ([]Reservation, error) {
	var out []Reservation
	err := s.withTx(func(tx *sql.Tx) error {
		candidates, err := selectEligible(tx, p.Now, p.Count)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		slots, err := selectFreeSlots(tx, len(candidates))
		if err != nil {
			return err
		}
		if len(slots) < len(candidates) {
			candidates = candidates[:len(slots)]
		}

		for i, c := range candidates {
			slot := slots[i]
			res, err := tx.Exec(
				`UPDATE links SET
				    test_status = 'running', test_started_at = ?, test_lock_until = ?,
				    test_lock_owner = ?, test_batch_id = ?,
				    is_in_use = 1, bound_port = ?, inbound_tag = ?, updated_at = ?
				 WHERE id = ? AND `+eligibleGuard,
				p.Now, p.LockUntil, p.Owner, p.BatchID,
				slot.Port, slot.Tag, p.Now,
				c.LinkID, p.Now,
			)
			if err != nil {
				return fmt.Errorf("reserve link %d: %w", c.LinkID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("reserve link %d: row changed underneath, aborting batch", c.LinkID)
			}

			res, err = tx.Exec(
				"UPDATE inbound_slots SET link_id = ?, status = 'running' WHERE id = ? AND link_id IS NULL",
				c.LinkID, slot.ID,
			)
			if err != nil {
				return fmt.Errorf("bind slot %d: %w", slot.ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("bind slot %d: slot taken underneath, aborting batch", slot.ID)
			}

			out = append(out, Reservation{
				LinkID:      c.LinkID,
				OutboundTag: c.OutboundTag,
				ConfigJSON:  c.ConfigJSON,
				SlotID:      slot.ID,
				Port:        slot.Port,
				InboundTag:  slot.Tag,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type eligibleRow struct {
	LinkID      int64
	OutboundTag string
	ConfigJSON  string
}

func selectEligible(tx *sql.Tx, now string, limit int) ([]eligibleRow, error) {
	rows, err := tx.Query(
		`SELECT id, outbound_tag, config_json FROM links
		 WHERE `+eligibleGuard+`
		 ORDER BY last_tested_at ASC NULLS FIRST, id ASC
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	defer rows.Close()

	var out []eligibleRow
	for rows.Next() {
		var r eligibleRow
		if err := rows.Scan(&r.LinkID, &r.OutboundTag, &r.ConfigJSON); err != nil {
			return nil, fmt.Errorf("scan eligible: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type freeSlot struct {
	ID   int64
	Port int
	Tag  string
}

func selectFreeSlots(tx *sql.Tx, limit int) ([]freeSlot, error) {
	rows, err := tx.Query(
		`SELECT id, port, tag FROM inbound_slots
		 WHERE role = 'test' AND is_active = 1 AND link_id IS NULL
		   AND status IN ('new', 'idle')
		 ORDER BY port LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select free slots: %w", err)
	}
	defer rows.Close()

	var out []freeSlot
	for rows.Next() {
		var sl freeSlot
		if err := rows.Scan(&sl.ID, &sl.Port, &sl.Tag); err != nil {
			return nil, fmt.Errorf("scan free slot: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// FinalizeResult writes the outcome of one test and releases the lease,
// inside one immediate transaction. Geo fields are only overwritten
// when the probe supplied them; the lease and binding fields are always
// cleared, whatever the outcome. A cipher or protocol rejection also
// flags the row unsupported so it is never reserved again.
func (s *Store) FinalizeResult(r model.TestResult) error {
	now := model.UTCNow()
	ok := 0
	alive := 0
	if r.OK {
		ok, alive = 1, 1
	}
	var errCode any
	if r.ErrorCode != "" {
		errCode = r.ErrorCode
	}
	unsupported := 0
	if r.ErrorCode == model.ErrSSCipher || r.ErrorCode == model.ErrProto {
		unsupported = 1
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE links SET
			    last_tested_at = ?, last_test_ok = ?, last_test_error = ?, is_alive = ?,
			    is_unsupported = MAX(is_unsupported, ?),
			    ip = COALESCE(NULLIF(?, ''), ip),
			    country = COALESCE(NULLIF(?, ''), country),
			    city = COALESCE(NULLIF(?, ''), city),
			    datacenter = COALESCE(NULLIF(?, ''), datacenter),
			    test_status = 'idle', test_started_at = NULL, test_lock_until = NULL,
			    test_lock_owner = NULL, test_batch_id = NULL,
			    inbound_tag = NULL, is_in_use = 0, bound_port = NULL, updated_at = ?
			 WHERE id = ?`,
			now, ok, errCode, alive, unsupported,
			r.IP, r.Country, r.City, r.Datacenter,
			now, r.LinkID,
		); err != nil {
			return fmt.Errorf("finalize link %d: %w", r.LinkID, err)
		}
		if r.SlotID != 0 {
			if _, err := tx.Exec(
				`UPDATE inbound_slots
				 SET link_id = NULL, outbound_tag = NULL, status = 'idle', last_test_at = ?
				 WHERE id = ?`,
				now, r.SlotID,
			); err != nil {
				return fmt.Errorf("finalize slot %d: %w", r.SlotID, err)
			}
		}
		return nil
	})
}

// ReleaseBatch clears the lease on any rows still reserved under the
// batch id without recording a result, and frees their slots. Used by
// cleanup after an aborted batch.
func (s *Store) ReleaseBatch(batchID string) (int64, error) {
	var released int64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE inbound_slots SET link_id = NULL, outbound_tag = NULL, status = 'idle'
			 WHERE link_id IN (SELECT id FROM links WHERE test_batch_id = ?)`,
			batchID,
		); err != nil {
			return fmt.Errorf("release batch slots: %w", err)
		}
		res, err := tx.Exec(
			`UPDATE links SET
			    test_status = 'idle', test_started_at = NULL, test_lock_until = NULL,
			    test_lock_owner = NULL, test_batch_id = NULL,
			    inbound_tag = NULL, is_in_use = 0, bound_port = NULL, updated_at = ?
			 WHERE test_batch_id = ?`,
			model.UTCNow(), batchID,
		)
		if err != nil {
			return fmt.Errorf("release batch links: %w", err)
		}
		released, _ = res.RowsAffected()
		return nil
	})
	return released, err
}

// RecoverExpiredLeases reclaims rows whose owner died: running status
// with a lock deadline in the past. Their slots are freed as well.
// Returns the number of recovered links.
func (s *Store) RecoverExpiredLeases(now string) (int64, error) {
	var recovered int64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE inbound_slots SET link_id = NULL, outbound_tag = NULL, status = 'idle'
			 WHERE link_id IN (
			     SELECT id FROM links
			     WHERE test_status = 'running' AND test_lock_until IS NOT NULL AND test_lock_until < ?)`,
			now,
		); err != nil {
			return fmt.Errorf("recover slots: %w", err)
		}
		res, err := tx.Exec(
			`UPDATE links SET
			    test_status = 'idle', test_started_at = NULL, test_lock_until = NULL,
			    test_lock_owner = NULL, test_batch_id = NULL,
			    inbound_tag = NULL, is_in_use = 0, bound_port = NULL, updated_at = ?
			 WHERE test_status = 'running' AND test_lock_until IS NOT NULL AND test_lock_until < ?`,
			model.UTCNow(), now,
		)
		if err != nil {
			return fmt.Errorf("recover links: %w", err)
		}
		recovered, _ = res.RowsAffected()
		return nil
	})
	return recovered, err
}
