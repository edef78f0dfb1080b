package store

import (
	"database/sql"
	"fmt"

	"github.com/outpost-proxy/outpost/internal/model"
)

// IDURI is a minimal scan row for cursor passes over links.
type IDURI struct {
	ID  int64
	URI string
}

// BuildCandidate is a row awaiting outbound JSON conversion.
type BuildCandidate struct {
	ID          int64
	URI         string
	OutboundTag string
}

// InsertURIs inserts raw descriptor URIs with INSERT OR IGNORE and
// returns the number of newly inserted rows.
func (s *Store) InsertURIs(uris []string) (int64, error) {
	var inserted int64
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare("INSERT OR IGNORE INTO links (uri) VALUES (?)")
		if err != nil {
			return fmt.Errorf("prepare insert uri: %w", err)
		}
		defer stmt.Close()
		for _, uri := range uris {
			res, err := stmt.Exec(uri)
			if err != nil {
				return fmt.Errorf("insert uri: %w", err)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return nil
	})
	return inserted, err
}

// InsertSplitPart inserts one part produced by splitting a concatenated
// URI, recording the original row as the parent.
func (s *Store) InsertSplitPart(uri string, parentID int64) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO links (uri, parent_id) VALUES (?, ?)",
		uri, parentID,
	)
	if err != nil {
		return fmt.Errorf("insert split part: %w", err)
	}
	return nil
}

// URIBatch returns up to limit rows with id > afterID, ordered by id.
// Used by the cursor passes (splitting, scheme classification).
func (s *Store) URIBatch(afterID int64, limit int) ([]IDURI, error) {
	rows, err := s.db.Query(
		"SELECT id, uri FROM links WHERE id > ? ORDER BY id LIMIT ?",
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("uri batch: %w", err)
	}
	defer rows.Close()

	var out []IDURI
	for rows.Next() {
		var r IDURI
		if err := rows.Scan(&r.ID, &r.URI); err != nil {
			return nil, fmt.Errorf("scan uri batch: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInvalid flags a link as invalid.
func (s *Store) MarkInvalid(id int64) error {
	return s.exec(
		"UPDATE links SET is_invalid = 1, updated_at = ? WHERE id = ?",
		model.UTCNow(), id,
	)
}

// MarkUnsupported flags a link as carrying an unsupported scheme.
// Unsupported is terminal and clears invalid: the URI is fine, the
// protocol just is not handled.
func (s *Store) MarkUnsupported(id int64) error {
	return s.exec(
		"UPDATE links SET is_unsupported = 1, is_invalid = 0, updated_at = ? WHERE id = ?",
		model.UTCNow(), id,
	)
}

// ---- tag allocation ----

// IDsNeedingTag returns usable links without an outbound tag.
func (s *Store) IDsNeedingTag(limit int) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT id FROM links
		 WHERE is_invalid = 0 AND is_unsupported = 0
		   AND (outbound_tag IS NULL OR TRIM(outbound_tag) = '')
		 ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ids needing tag: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TryAssignTag assigns tag to the link unless the link already got one
// or the tag collides with the partial unique index. Returns whether
// the row was updated.
func (s *Store) TryAssignTag(id int64, tag string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE OR IGNORE links SET outbound_tag = ?, updated_at = ?
		 WHERE id = ? AND (outbound_tag IS NULL OR TRIM(outbound_tag) = '')`,
		tag, model.UTCNow(), id,
	)
	if err != nil {
		return false, fmt.Errorf("assign tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ---- outbound JSON conversion ----

// BuildCandidates returns links ready for URI-to-JSON conversion: a tag
// is allocated, no config yet, and the link is usable.
func (s *Store) BuildCandidates(limit int) ([]BuildCandidate, error) {
	rows, err := s.db.Query(
		`SELECT id, uri, outbound_tag FROM links
		 WHERE (config_json IS NULL OR TRIM(config_json) = '')
		   AND TRIM(uri) != ''
		   AND is_invalid = 0 AND is_unsupported = 0
		   AND outbound_tag IS NOT NULL AND TRIM(outbound_tag) != ''
		 ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("build candidates: %w", err)
	}
	defer rows.Close()

	var out []BuildCandidate
	for rows.Next() {
		var c BuildCandidate
		if err := rows.Scan(&c.ID, &c.URI, &c.OutboundTag); err != nil {
			return nil, fmt.Errorf("scan build candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConfigJSON stores the converted outbound JSON and clears invalid.
func (s *Store) SetConfigJSON(id int64, configJSON string) error {
	return s.exec(
		"UPDATE links SET config_json = ?, is_invalid = 0, updated_at = ? WHERE id = ?",
		configJSON, model.UTCNow(), id,
	)
}

// ---- repair ----

// RepairCandidate is an invalid link eligible for byte surgery.
type RepairCandidate struct {
	ID          int64
	URI         string
	OutboundTag string // "" when the row never got a tag
	PriorRepair string // last attempted repair, "" if none
}

// ClearStaleRepairs removes leftover repaired_uri values on rows that
// are no longer invalid.
func (s *Store) ClearStaleRepairs() (int64, error) {
	res, err := s.db.Exec(
		"UPDATE links SET repaired_uri = NULL WHERE is_invalid = 0 AND repaired_uri IS NOT NULL",
	)
	if err != nil {
		return 0, fmt.Errorf("clear stale repairs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RepairCandidates returns invalid, supported links with id > afterID.
func (s *Store) RepairCandidates(afterID int64, limit int) ([]RepairCandidate, error) {
	rows, err := s.db.Query(
		`SELECT id, uri, COALESCE(outbound_tag, ''), COALESCE(repaired_uri, '') FROM links
		 WHERE id > ? AND is_invalid = 1 AND is_unsupported = 0 AND TRIM(uri) != ''
		 ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repair candidates: %w", err)
	}
	defer rows.Close()

	var out []RepairCandidate
	for rows.Next() {
		var c RepairCandidate
		if err := rows.Scan(&c.ID, &c.URI, &c.OutboundTag, &c.PriorRepair); err != nil {
			return nil, fmt.Errorf("scan repair candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetRepairSuccess stores the config obtained from a repaired URI and
// marks the link valid again.
func (s *Store) SetRepairSuccess(id int64, configJSON string) error {
	return s.exec(
		`UPDATE links SET config_json = ?, is_invalid = 0, repaired_uri = NULL, updated_at = ?
		 WHERE id = ?`,
		configJSON, model.UTCNow(), id,
	)
}

// SetRepairFailure records the attempted repair so it is not retried
// byte-identically; the link stays invalid.
func (s *Store) SetRepairFailure(id int64, repairedURI string) error {
	return s.exec(
		"UPDATE links SET repaired_uri = ?, is_invalid = 1, updated_at = ? WHERE id = ?",
		repairedURI, model.UTCNow(), id,
	)
}

// SetRepairUnsupported resolves a repair by reclassifying the link as
// unsupported.
func (s *Store) SetRepairUnsupported(id int64) error {
	return s.exec(
		`UPDATE links SET is_unsupported = 1, is_invalid = 0, repaired_uri = NULL, updated_at = ?
		 WHERE id = ?`,
		model.UTCNow(), id,
	)
}

// RepairedURI returns the stored repaired_uri for a link ("" if none).
func (s *Store) RepairedURI(id int64) (string, error) {
	var v sql.NullString
	err := s.db.QueryRow("SELECT repaired_uri FROM links WHERE id = ?", id).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("repaired uri: %w", err)
	}
	return v.String, nil
}

// ---- fingerprinting ----

// FingerprintCandidate is a link with config JSON but no fingerprint.
type FingerprintCandidate struct {
	ID         int64
	ConfigJSON string
}

// FingerprintCandidates returns links awaiting fingerprint computation.
func (s *Store) FingerprintCandidates(afterID int64, limit int) ([]FingerprintCandidate, error) {
	rows, err := s.db.Query(
		`SELECT id, config_json FROM links
		 WHERE id > ?
		   AND config_json IS NOT NULL AND TRIM(config_json) != ''
		   AND (fingerprint IS NULL OR TRIM(fingerprint) = '')
		   AND is_invalid = 0
		 ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fingerprint candidates: %w", err)
	}
	defer rows.Close()

	var out []FingerprintCandidate
	for rows.Next() {
		var c FingerprintCandidate
		if err := rows.Scan(&c.ID, &c.ConfigJSON); err != nil {
			return nil, fmt.Errorf("scan fingerprint candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetFingerprint stores the computed identity hash.
func (s *Store) SetFingerprint(id int64, fingerprint string) error {
	return s.exec(
		"UPDATE links SET fingerprint = ?, updated_at = ? WHERE id = ?",
		fingerprint, model.UTCNow(), id,
	)
}

// ---- grouping ----

// UngroupedFingerprints returns distinct fingerprints that still have
// rows with an empty group_id.
func (s *Store) UngroupedFingerprints(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT fingerprint FROM links
		 WHERE fingerprint IS NOT NULL AND TRIM(fingerprint) != ''
		   AND (group_id IS NULL OR group_id = '')
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ungrouped fingerprints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// ExistingGroupID returns a non-empty group_id already assigned to rows
// with the given fingerprint, or "".
func (s *Store) ExistingGroupID(fingerprint string) (string, error) {
	var gid string
	err := s.db.QueryRow(
		`SELECT group_id FROM links
		 WHERE fingerprint = ? AND group_id IS NOT NULL AND group_id != ''
		 LIMIT 1`,
		fingerprint,
	).Scan(&gid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("existing group id: %w", err)
	}
	return gid, nil
}

// MinIDForFingerprint returns the smallest link id carrying the
// fingerprint, or 0 when none exists.
func (s *Store) MinIDForFingerprint(fingerprint string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		"SELECT id FROM links WHERE fingerprint = ? ORDER BY id LIMIT 1",
		fingerprint,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("min id for fingerprint: %w", err)
	}
	return id, nil
}

// AssignGroup fills group_id on all ungrouped rows of the fingerprint
// and flags the primary row. Returns the number of rows grouped.
func (s *Store) AssignGroup(fingerprint, groupID string, primaryID int64) (int64, error) {
	var grouped int64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE links SET is_primary = 1, updated_at = ? WHERE id = ?",
			model.UTCNow(), primaryID,
		); err != nil {
			return fmt.Errorf("flag primary: %w", err)
		}
		res, err := tx.Exec(
			`UPDATE links SET group_id = ?, updated_at = ?
			 WHERE fingerprint = ? AND (group_id IS NULL OR group_id = '')`,
			groupID, model.UTCNow(), fingerprint,
		)
		if err != nil {
			return fmt.Errorf("assign group: %w", err)
		}
		grouped, _ = res.RowsAffected()
		return nil
	})
	return grouped, err
}

// EnforcePrimaries makes primary flags consistent with group ids: in
// every grouped set exactly the row whose id equals the group id keeps
// is_primary=1. Returns the number of corrected rows.
func (s *Store) EnforcePrimaries() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE links
		 SET is_primary = CASE WHEN id = CAST(group_id AS INTEGER) THEN 1 ELSE 0 END,
		     updated_at = ?
		 WHERE group_id != ''
		   AND is_primary != CASE WHEN id = CAST(group_id AS INTEGER) THEN 1 ELSE 0 END`,
		model.UTCNow(),
	)
	if err != nil {
		return 0, fmt.Errorf("enforce primaries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IsPrimary reports whether the link currently holds the primary flag.
func (s *Store) IsPrimary(id int64) (bool, error) {
	var v int
	err := s.db.QueryRow("SELECT is_primary FROM links WHERE id = ?", id).Scan(&v)
	if err != nil {
		return false, fmt.Errorf("is primary: %w", err)
	}
	return v == 1, nil
}

// GetLink loads a full link row.
func (s *Store) GetLink(id int64) (*model.Link, error) {
	row := s.db.QueryRow(
		`SELECT id, uri, repaired_uri, config_json, fingerprint, group_id, is_primary,
		        is_invalid, is_unsupported, parent_id, outbound_tag, inbound_tag,
		        test_status, test_started_at, test_lock_until, test_lock_owner, test_batch_id,
		        last_tested_at, last_test_ok, last_test_error, is_alive,
		        ip, country, city, datacenter, is_in_use, bound_port,
		        created_at, updated_at
		 FROM links WHERE id = ?`,
		id,
	)
	var l model.Link
	err := row.Scan(
		&l.ID, &l.URI, &l.RepairedURI, &l.ConfigJSON, &l.Fingerprint, &l.GroupID, &l.IsPrimary,
		&l.IsInvalid, &l.IsUnsupported, &l.ParentID, &l.OutboundTag, &l.InboundTag,
		&l.TestStatus, &l.TestStartedAt, &l.TestLockUntil, &l.TestLockOwner, &l.TestBatchID,
		&l.LastTestedAt, &l.LastTestOK, &l.LastTestError, &l.IsAlive,
		&l.IP, &l.Country, &l.City, &l.Datacenter, &l.IsInUse, &l.BoundPort,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get link %d: %w", id, err)
	}
	return &l, nil
}

func (s *Store) exec(query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}
