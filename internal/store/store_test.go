package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/outpost-proxy/outpost/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := Migrate(s.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// seedTestable inserts a link that satisfies the test-eligibility guard
// and returns its id.
func seedTestable(t *testing.T, s *Store, uri, tag string) int64 {
	t.Helper()
	if _, err := s.InsertURIs([]string{uri}); err != nil {
		t.Fatalf("insert uri: %v", err)
	}
	var id int64
	if err := s.DB().QueryRow("SELECT id FROM links WHERE uri = ?", uri).Scan(&id); err != nil {
		t.Fatalf("lookup id: %v", err)
	}
	if _, err := s.DB().Exec(
		`UPDATE links SET is_primary = 1, outbound_tag = ?, config_json = '{"protocol":"vmess"}',
		 fingerprint = 'fp', group_id = CAST(id AS TEXT) WHERE id = ?`,
		tag, id,
	); err != nil {
		t.Fatalf("seed link: %v", err)
	}
	return id
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	// Second run must be a no-op, not an error.
	if err := Migrate(s.DB()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	ok, err := hasTableColumn(s.DB(), "links", "bound_port")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("additive column bound_port missing after migrate")
	}
}

func TestInsertURIsIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)
	n, err := s.InsertURIs([]string{"vmess://aaa", "vmess://bbb", "vmess://aaa"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}
	n, err = s.InsertURIs([]string{"vmess://aaa"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("re-insert inserted = %d, want 0", n)
	}
}

func TestTryAssignTagCollision(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertURIs([]string{"vmess://aaa", "vmess://bbb"}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.IDsNeedingTag(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("candidates = %d, want 2", len(ids))
	}

	ok, err := s.TryAssignTag(ids[0], "x_abc123")
	if err != nil || !ok {
		t.Fatalf("first assign: ok=%v err=%v", ok, err)
	}
	// Same tag on a second row hits the partial unique index and is
	// swallowed by UPDATE OR IGNORE.
	ok, err = s.TryAssignTag(ids[1], "x_abc123")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("duplicate tag assignment should not report success")
	}
	// Already-tagged row is not retagged.
	ok, err = s.TryAssignTag(ids[0], "x_zzz999")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("retagging a tagged row should not report success")
	}
}

func TestReserveBatchPairsLinksAndSlots(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnsureSlotPool(9000, 3, "in_test_"); err != nil {
		t.Fatal(err)
	}
	idA := seedTestable(t, s, "vmess://aaa", "x_aaaaaa")
	idB := seedTestable(t, s, "vmess://bbb", "x_bbbbbb")

	now := model.UTCNow()
	res, err := s.ReserveBatch(ReserveParams{
		Now:       now,
		LockUntil: model.FormatTime(time.Now().Add(time.Minute)),
		Owner:     "host:1",
		BatchID:   "batch-1",
		Count:     10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("reserved = %d, want 2", len(res))
	}
	if res[0].LinkID != idA || res[1].LinkID != idB {
		t.Fatalf("unexpected order: %+v", res)
	}
	if res[0].Port != 9000 || res[1].Port != 9001 {
		t.Fatalf("unexpected ports: %+v", res)
	}

	l, err := s.GetLink(idA)
	if err != nil {
		t.Fatal(err)
	}
	if l.TestStatus != model.TestStatusRunning || l.TestBatchID.String != "batch-1" || !l.IsInUse {
		t.Fatalf("link not reserved: %+v", l)
	}
	if l.BoundPort.Int64 != 9000 || l.InboundTag.String != "in_test_9000" {
		t.Fatalf("binding fields wrong: %+v", l)
	}

	// A second reservation must find nothing: both rows hold live leases.
	res, err = s.ReserveBatch(ReserveParams{
		Now:       model.UTCNow(),
		LockUntil: model.FormatTime(time.Now().Add(time.Minute)),
		Owner:     "host:2",
		BatchID:   "batch-2",
		Count:     10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Fatalf("second reserve got %d rows, want 0", len(res))
	}
}

func TestReserveBatchPrefersNeverTested(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnsureSlotPool(9000, 10, "in_test_"); err != nil {
		t.Fatal(err)
	}
	idOld := seedTestable(t, s, "vmess://old", "x_old111")
	idNew := seedTestable(t, s, "vmess://new", "x_new111")
	if _, err := s.DB().Exec(
		"UPDATE links SET last_tested_at = '2026-01-01T00:00:00Z' WHERE id = ?", idOld,
	); err != nil {
		t.Fatal(err)
	}

	res, err := s.ReserveBatch(ReserveParams{
		Now:       model.UTCNow(),
		LockUntil: model.FormatTime(time.Now().Add(time.Minute)),
		Owner:     "host:1",
		BatchID:   "b",
		Count:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].LinkID != idNew {
		t.Fatalf("want never-tested link %d first, got %+v", idNew, res)
	}
}

func TestFinalizeResultClearsLease(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnsureSlotPool(9000, 1, "in_test_"); err != nil {
		t.Fatal(err)
	}
	id := seedTestable(t, s, "vmess://aaa", "x_aaaaaa")
	res, err := s.ReserveBatch(ReserveParams{
		Now:       model.UTCNow(),
		LockUntil: model.FormatTime(time.Now().Add(time.Minute)),
		Owner:     "host:1",
		BatchID:   "b",
		Count:     1,
	})
	if err != nil || len(res) != 1 {
		t.Fatalf("reserve: res=%v err=%v", res, err)
	}

	err = s.FinalizeResult(model.TestResult{
		LinkID: id, SlotID: res[0].SlotID, OK: true,
		IP: "1.2.3.4", Country: "Germany", City: "Berlin", Datacenter: "Hetzner",
	})
	if err != nil {
		t.Fatal(err)
	}

	l, err := s.GetLink(id)
	if err != nil {
		t.Fatal(err)
	}
	if l.TestStatus != model.TestStatusIdle || l.TestBatchID.Valid || l.TestLockUntil.Valid {
		t.Fatalf("lease not cleared: %+v", l)
	}
	if l.InboundTag.Valid || l.IsInUse || l.BoundPort.Valid {
		t.Fatalf("binding not cleared: %+v", l)
	}
	if l.LastTestOK.Int64 != 1 || l.IsAlive.Int64 != 1 {
		t.Fatalf("result not recorded: %+v", l)
	}
	if l.IP.String != "1.2.3.4" || l.Country.String != "Germany" {
		t.Fatalf("geo not recorded: %+v", l)
	}

	sl, err := s.GetSlot(res[0].SlotID)
	if err != nil {
		t.Fatal(err)
	}
	if sl.LinkID.Valid || sl.Status != model.SlotStatusIdle {
		t.Fatalf("slot not reset: %+v", sl)
	}
}

func TestFinalizeFailureKeepsOldGeo(t *testing.T) {
	s := openTestStore(t)
	id := seedTestable(t, s, "vmess://aaa", "x_aaaaaa")
	if _, err := s.DB().Exec(
		"UPDATE links SET ip = '9.9.9.9', country = 'France' WHERE id = ?", id,
	); err != nil {
		t.Fatal(err)
	}

	err := s.FinalizeResult(model.TestResult{LinkID: id, OK: false, ErrorCode: model.ErrTimeout})
	if err != nil {
		t.Fatal(err)
	}
	l, err := s.GetLink(id)
	if err != nil {
		t.Fatal(err)
	}
	if l.LastTestOK.Int64 != 0 || l.LastTestError.String != model.ErrTimeout {
		t.Fatalf("failure not recorded: %+v", l)
	}
	if l.IP.String != "9.9.9.9" || l.Country.String != "France" {
		t.Fatalf("old geo overwritten on failure: %+v", l)
	}
}

func TestRecoverExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnsureSlotPool(9000, 1, "in_test_"); err != nil {
		t.Fatal(err)
	}
	id := seedTestable(t, s, "vmess://aaa", "x_aaaaaa")
	res, err := s.ReserveBatch(ReserveParams{
		Now:       model.UTCNow(),
		LockUntil: model.FormatTime(time.Now().Add(-time.Minute)), // already expired
		Owner:     "dead:1",
		BatchID:   "b",
		Count:     1,
	})
	if err != nil || len(res) != 1 {
		t.Fatalf("reserve: res=%v err=%v", res, err)
	}

	n, err := s.RecoverExpiredLeases(model.UTCNow())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	l, err := s.GetLink(id)
	if err != nil {
		t.Fatal(err)
	}
	if l.TestStatus != model.TestStatusIdle || l.TestLockOwner.Valid {
		t.Fatalf("lease not recovered: %+v", l)
	}
	// The row must be reservable again.
	res, err = s.ReserveBatch(ReserveParams{
		Now:       model.UTCNow(),
		LockUntil: model.FormatTime(time.Now().Add(time.Minute)),
		Owner:     "host:2",
		BatchID:   "b2",
		Count:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].LinkID != id {
		t.Fatalf("recovered row not reservable: %+v", res)
	}
}

func TestReleaseBatch(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnsureSlotPool(9000, 1, "in_test_"); err != nil {
		t.Fatal(err)
	}
	id := seedTestable(t, s, "vmess://aaa", "x_aaaaaa")
	if _, err := s.ReserveBatch(ReserveParams{
		Now:       model.UTCNow(),
		LockUntil: model.FormatTime(time.Now().Add(time.Minute)),
		Owner:     "host:1",
		BatchID:   "b",
		Count:     1,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReleaseBatch("b")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}
	l, err := s.GetLink(id)
	if err != nil {
		t.Fatal(err)
	}
	if l.TestStatus != model.TestStatusIdle || l.LastTestedAt.Valid {
		t.Fatalf("release must not record a result: %+v", l)
	}
}

func TestGroupingQueries(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertURIs([]string{"vmess://a", "vmess://b", "vmess://c"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec("UPDATE links SET fingerprint = 'fp1'"); err != nil {
		t.Fatal(err)
	}

	fps, err := s.UngroupedFingerprints(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 1 || fps[0] != "fp1" {
		t.Fatalf("ungrouped = %v", fps)
	}

	minID, err := s.MinIDForFingerprint("fp1")
	if err != nil {
		t.Fatal(err)
	}
	grouped, err := s.AssignGroup("fp1", "1", minID)
	if err != nil {
		t.Fatal(err)
	}
	if grouped != 3 {
		t.Fatalf("grouped = %d, want 3", grouped)
	}

	gid, err := s.ExistingGroupID("fp1")
	if err != nil {
		t.Fatal(err)
	}
	if gid != "1" {
		t.Fatalf("existing group id = %q, want 1", gid)
	}

	// Flip a non-primary row and let enforcement fix it.
	if _, err := s.DB().Exec("UPDATE links SET is_primary = 1 WHERE id = 3"); err != nil {
		t.Fatal(err)
	}
	fixed, err := s.EnforcePrimaries()
	if err != nil {
		t.Fatal(err)
	}
	if fixed != 1 {
		t.Fatalf("fixed = %d, want 1", fixed)
	}
	primary, err := s.IsPrimary(minID)
	if err != nil || !primary {
		t.Fatalf("min id should stay primary: ok=%v err=%v", primary, err)
	}
}
