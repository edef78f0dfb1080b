package store

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/outpost-proxy/outpost/internal/model"
)

// EnsureSlotPool inserts missing test slots for ports
// [portStart, portStart+size). Existing rows keep their state; the tag
// is the prefix followed by the port number.
func (s *Store) EnsureSlotPool(portStart, size int, tagPrefix string) error {
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"INSERT OR IGNORE INTO inbound_slots (port, tag, role) VALUES (?, ?, 'test')",
		)
		if err != nil {
			return fmt.Errorf("prepare slot insert: %w", err)
		}
		defer stmt.Close()
		for i := 0; i < size; i++ {
			port := portStart + i
			if _, err := stmt.Exec(port, tagPrefix+strconv.Itoa(port)); err != nil {
				return fmt.Errorf("insert slot %d: %w", port, err)
			}
		}
		return nil
	})
}

// GetSlot loads one slot row.
func (s *Store) GetSlot(id int64) (*model.Slot, error) {
	row := s.db.QueryRow(
		`SELECT id, port, tag, role, is_active, link_id, outbound_tag, status, last_test_at
		 FROM inbound_slots WHERE id = ?`,
		id,
	)
	var sl model.Slot
	err := row.Scan(&sl.ID, &sl.Port, &sl.Tag, &sl.Role, &sl.IsActive,
		&sl.LinkID, &sl.OutboundTag, &sl.Status, &sl.LastTestAt)
	if err != nil {
		return nil, fmt.Errorf("get slot %d: %w", id, err)
	}
	return &sl, nil
}

// SetSlotOutboundTag records the per-test outbound tag installed on the
// Xray side for this slot.
func (s *Store) SetSlotOutboundTag(id int64, tag string) error {
	return s.exec(
		"UPDATE inbound_slots SET outbound_tag = ? WHERE id = ?",
		tag, id,
	)
}

