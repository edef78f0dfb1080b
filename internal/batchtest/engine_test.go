package batchtest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outpost-proxy/outpost/internal/geoip"
	"github.com/outpost-proxy/outpost/internal/model"
	"github.com/outpost-proxy/outpost/internal/probe"
	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
	"github.com/outpost-proxy/outpost/internal/xrayctl"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := store.Migrate(s.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

const testableConfig = `{"protocol":"vless","settings":{"vnext":[{"address":"h","port":443,"users":[{"id":"%d"}]}]}}`

// seedTestable inserts one built primary link and returns its id.
func seedTestable(t *testing.T, s *store.Store, n int) int64 {
	t.Helper()
	uri := fmt.Sprintf("vless://u%d@h:443", n)
	if _, err := s.InsertURIs([]string{uri}); err != nil {
		t.Fatal(err)
	}
	var id int64
	if err := s.DB().QueryRow("SELECT id FROM links WHERE uri = ?", uri).Scan(&id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(
		`UPDATE links SET outbound_tag = ?, config_json = ?, fingerprint = ?,
		 group_id = CAST(id AS TEXT), is_primary = 1 WHERE id = ?`,
		fmt.Sprintf("x_tag%03d", n), fmt.Sprintf(testableConfig, n), fmt.Sprintf("fp%d", n), id,
	); err != nil {
		t.Fatal(err)
	}
	return id
}

// fakeXray answers every api call successfully and records tags.
type fakeXray struct {
	mu       sync.Mutex
	calls    []string
	adoErr   error
	adoHook  func() // runs on every ado call
	added    map[string]bool // live outbound tags
	inbounds map[string]bool
}

func newFakeXray() *fakeXray {
	return &fakeXray{added: map[string]bool{}, inbounds: map[string]bool{}}
}

func (f *fakeXray) run(_ context.Context, _ string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := args[1]
	f.calls = append(f.calls, sub)
	switch sub {
	case "ado":
		if f.adoHook != nil {
			f.adoHook()
		}
		if f.adoErr != nil {
			return f.adoErr.Error(), f.adoErr
		}
	case "rmi", "rmo", "rmrules":
		// Removal always succeeds in the fake.
	}
	return "", nil
}

func (f *fakeXray) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == sub {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, s *store.Store, fx *fakeXray, prober probe.Runner, geo GeoResolver, stop *stopflag.Flag, cfg Config) *Engine {
	t.Helper()
	client := xrayctl.New("xray", "127.0.0.1:10085", fx.run)
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 10 * time.Millisecond
	}
	return New(s, client, prober, geo, stop, cfg)
}

func assertAllIdle(t *testing.T, s *store.Store) {
	t.Helper()
	var leased int
	if err := s.DB().QueryRow(
		`SELECT COUNT(*) FROM links WHERE test_status != 'idle'
		   OR test_lock_until IS NOT NULL OR test_batch_id IS NOT NULL
		   OR inbound_tag IS NOT NULL OR is_in_use = 1`).Scan(&leased); err != nil {
		t.Fatal(err)
	}
	if leased != 0 {
		t.Fatalf("%d links still leased after run", leased)
	}
	var busySlots int
	if err := s.DB().QueryRow(
		"SELECT COUNT(*) FROM inbound_slots WHERE link_id IS NOT NULL OR status = 'running'").Scan(&busySlots); err != nil {
		t.Fatal(err)
	}
	if busySlots != 0 {
		t.Fatalf("%d slots still bound after run", busySlots)
	}
}

func TestRunOnceRecordsVerdicts(t *testing.T) {
	s := openStore(t)
	idOK := seedTestable(t, s, 1)
	idDead := seedTestable(t, s, 2)

	fx := newFakeXray()
	prober := func(_ context.Context, socksURL string) (probe.Result, error) {
		// Port 9000 goes to the first reservation (never-tested order).
		if strings.HasSuffix(socksURL, ":9000") {
			return probe.Result{OK: true, IP: "203.0.113.9", Country: "NL", City: "Amsterdam", ISP: "Example BV"}, nil
		}
		return probe.Result{ErrorCode: model.ErrTimeout}, nil
	}

	e := newTestEngine(t, s, fx, prober, nil, nil, Config{Count: 10, Parallel: 2, MaxBatches: 1})
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Batches != 1 || stats.Tested != 2 || stats.Passed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	ok, err := s.GetLink(idOK)
	if err != nil {
		t.Fatal(err)
	}
	if ok.LastTestOK.Int64 != 1 || ok.IsAlive.Int64 != 1 {
		t.Fatalf("ok link = %+v", ok)
	}
	if ok.IP.String != "203.0.113.9" || ok.Country.String != "NL" || ok.Datacenter.String != "Example BV" {
		t.Fatalf("geo = %+v", ok)
	}
	dead, err := s.GetLink(idDead)
	if err != nil {
		t.Fatal(err)
	}
	if dead.LastTestOK.Int64 != 0 || dead.LastTestError.String != model.ErrTimeout {
		t.Fatalf("dead link = %+v", dead)
	}

	assertAllIdle(t, s)

	// Every prepared handler was torn down.
	if fx.count("rmrules") != 2 || fx.count("rmi") != 2 || fx.count("rmo") != 2 {
		t.Fatalf("cleanup calls = %v", fx.calls)
	}
}

func TestRunPrepFailureFinalizesImmediately(t *testing.T) {
	s := openStore(t)
	id := seedTestable(t, s, 1)

	fx := newFakeXray()
	fx.adoErr = fmt.Errorf("exit status 1: unknown cipher method")
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		t.Error("probe must not run when prep fails")
		return probe.Result{}, nil
	}

	e := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1})
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tested != 1 || stats.Passed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	link, err := s.GetLink(id)
	if err != nil {
		t.Fatal(err)
	}
	if link.LastTestError.String != model.ErrSSCipher {
		t.Fatalf("error code = %q", link.LastTestError.String)
	}
	if !link.IsUnsupported {
		t.Fatal("cipher rejection must mark the link unsupported")
	}
	assertAllIdle(t, s)

	// Unsupported links never come back: the next batch finds nothing.
	e2 := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1})
	stats2, err := e2.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats2.Tested != 0 {
		t.Fatalf("unsupported link re-selected: stats = %+v", stats2)
	}
}

func TestRunRecordsSlotBinding(t *testing.T) {
	s := openStore(t)
	id := seedTestable(t, s, 1)

	fx := newFakeXray()
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		// The slot must carry the full binding while the probe runs.
		var status string
		var outboundTag sql.NullString
		var linkID sql.NullInt64
		if err := s.DB().QueryRow(
			"SELECT status, outbound_tag, link_id FROM inbound_slots WHERE port = 9000").
			Scan(&status, &outboundTag, &linkID); err != nil {
			t.Error(err)
		}
		if status != model.SlotStatusRunning {
			t.Errorf("slot status = %q during probe", status)
		}
		if !strings.HasPrefix(outboundTag.String, "xT_") {
			t.Errorf("slot outbound_tag = %q, want xT_ prefix", outboundTag.String)
		}
		if linkID.Int64 != id {
			t.Errorf("slot link_id = %d, want %d", linkID.Int64, id)
		}
		return probe.Result{OK: true, IP: "1.2.3.4"}, nil
	}

	e := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	assertAllIdle(t, s)
}

func TestRunDemotedPrimarySkipped(t *testing.T) {
	s := openStore(t)
	id1 := seedTestable(t, s, 1)
	id2 := seedTestable(t, s, 2)

	fx := newFakeXray()
	var once sync.Once
	fx.adoHook = func() {
		// Fires during the first link's prep, after both links were
		// reserved: a grouping run demotes the second one.
		once.Do(func() {
			if _, err := s.DB().Exec(
				"UPDATE links SET is_primary = 0 WHERE id = ?", id2); err != nil {
				t.Error(err)
			}
		})
	}
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		return probe.Result{OK: true, IP: "1.2.3.4"}, nil
	}

	e := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1})
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tested != 2 || stats.Passed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	link1, err := s.GetLink(id1)
	if err != nil {
		t.Fatal(err)
	}
	if link1.LastTestOK.Int64 != 1 {
		t.Fatalf("primary link = %+v", link1)
	}
	link2, err := s.GetLink(id2)
	if err != nil {
		t.Fatal(err)
	}
	if link2.LastTestError.String != model.ErrNotPrimary {
		t.Fatalf("error code = %q, want %q", link2.LastTestError.String, model.ErrNotPrimary)
	}
	assertAllIdle(t, s)
}

func TestRunFinalizeErrorSurfaces(t *testing.T) {
	s := openStore(t)
	for n := 1; n <= 3; n++ {
		seedTestable(t, s, n)
	}

	fx := newFakeXray()
	var once sync.Once
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		// Kill the store under the engine: every attribution after this
		// fails, and the workers must still be able to hand over their
		// outcomes.
		once.Do(func() { s.Close() })
		return probe.Result{OK: true, IP: "1.2.3.4"}, nil
	}

	e := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1, Parallel: 3})
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("want the attribution error to surface")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after a failed attribution")
	}
}

func TestRunStopMarksInFlightStopped(t *testing.T) {
	s := openStore(t)
	for n := 1; n <= 3; n++ {
		seedTestable(t, s, n)
	}

	stop := stopflag.New()
	fx := newFakeXray()
	first := true
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		if first {
			first = false
			stop.Stop()
			return probe.Result{OK: true, IP: "1.2.3.4"}, nil
		}
		return probe.Result{ErrorCode: model.ErrStopped}, nil
	}

	// Parallel=1 keeps the probe order deterministic.
	e := newTestEngine(t, s, fx, prober, nil, stop, Config{MaxBatches: 1, Parallel: 1})
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tested != 3 || stats.Passed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var stopped int
	if err := s.DB().QueryRow(
		"SELECT COUNT(*) FROM links WHERE last_test_error = ?", model.ErrStopped).Scan(&stopped); err != nil {
		t.Fatal(err)
	}
	if stopped != 2 {
		t.Fatalf("stopped verdicts = %d, want 2", stopped)
	}
	assertAllIdle(t, s)
}

type fakeGeo struct{ rec geoip.Record }

func (g fakeGeo) LookupString(string) geoip.Record { return g.rec }

func TestRunGeoFallbackFillsGaps(t *testing.T) {
	s := openStore(t)
	id := seedTestable(t, s, 1)

	fx := newFakeXray()
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		// Checker found the exit IP but no geo data.
		return probe.Result{OK: true, IP: "198.51.100.7"}, nil
	}
	geo := fakeGeo{rec: geoip.Record{Country: "SE", City: "Stockholm"}}

	e := newTestEngine(t, s, fx, prober, geo, nil, Config{MaxBatches: 1})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	link, err := s.GetLink(id)
	if err != nil {
		t.Fatal(err)
	}
	if link.Country.String != "SE" || link.City.String != "Stockholm" {
		t.Fatalf("geo = country %q city %q", link.Country.String, link.City.String)
	}
}

func TestRunNothingEligible(t *testing.T) {
	s := openStore(t)
	// One link, but not built: no outbound tag or config.
	if _, err := s.InsertURIs([]string{"vless://bare@h:443"}); err != nil {
		t.Fatal(err)
	}

	fx := newFakeXray()
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		t.Error("nothing should be probed")
		return probe.Result{}, nil
	}
	e := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1})
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Batches != 0 || stats.Tested != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunRecoversExpiredLeaseThenTests(t *testing.T) {
	s := openStore(t)
	id := seedTestable(t, s, 1)

	// Simulate a crashed owner holding an expired lease.
	if _, err := s.DB().Exec(
		`UPDATE links SET test_status = 'running', test_lock_until = '2000-01-01T00:00:00Z',
		 test_lock_owner = 'dead:1', test_batch_id = 'old-batch' WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}

	fx := newFakeXray()
	prober := func(_ context.Context, _ string) (probe.Result, error) {
		return probe.Result{OK: true, IP: "1.2.3.4"}, nil
	}
	e := newTestEngine(t, s, fx, prober, nil, nil, Config{MaxBatches: 1})
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Recovered != 1 || stats.Tested != 1 || stats.Passed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	assertAllIdle(t, s)
}
