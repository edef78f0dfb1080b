// Package batchtest is the liveness pipeline: it leases a batch of
// primary links, wires each one into a running Xray instance behind a
// throwaway SOCKS5 inbound, probes them in parallel through an
// external checker, and writes the verdicts back. All database writes
// happen from one goroutine; only the probes fan out.
package batchtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-proxy/outpost/internal/fingerprint"
	"github.com/outpost-proxy/outpost/internal/geoip"
	"github.com/outpost-proxy/outpost/internal/model"
	"github.com/outpost-proxy/outpost/internal/probe"
	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
	"github.com/outpost-proxy/outpost/internal/xrayctl"
)

// Config carries the batch engine knobs. Zero values take defaults.
type Config struct {
	Count            int           // links per batch
	Parallel         int           // concurrent probes
	PortStart        int           // first inbound port
	PoolSize         int           // slot pool size; defaults to Count
	InboundTagPrefix string        // slot tag prefix
	LockTimeout      time.Duration // lease length
	CheckTimeout     time.Duration // checker's own timeout
	IdleSleep        time.Duration // pause when nothing is eligible
	MaxBatches       int           // 0 = run until stopped

	SocksListen string // inbound listen address
	SocksUser   string
	SocksPass   string

	Owner string // lease owner id; defaults to host:pid
	RunID string // optional run label appended to the owner id
}

func (c *Config) applyDefaults() {
	if c.Count <= 0 {
		c.Count = 100
	}
	if c.Parallel <= 0 {
		c.Parallel = 10
	}
	if c.PortStart <= 0 {
		c.PortStart = 9000
	}
	if c.PoolSize <= 0 {
		c.PoolSize = c.Count
	}
	if c.InboundTagPrefix == "" {
		c.InboundTagPrefix = "in_test_"
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 90 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 60 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 2 * time.Second
	}
	if c.SocksListen == "" {
		c.SocksListen = "127.0.0.1"
	}
	if c.SocksUser == "" {
		c.SocksUser = "me"
	}
	if c.SocksPass == "" {
		c.SocksPass = "1"
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if c.RunID != "" {
		c.Owner += "/" + c.RunID
	}
}

// GeoResolver fills geo fields the checker left empty. *geoip.Service
// satisfies it; nil disables enrichment.
type GeoResolver interface {
	LookupString(ip string) geoip.Record
}

// Engine drives the test pipeline against one Xray instance.
type Engine struct {
	store *store.Store
	xray  *xrayctl.Client
	probe probe.Runner
	geo   GeoResolver
	stop  *stopflag.Flag
	cfg   Config
}

func New(s *store.Store, xray *xrayctl.Client, prober probe.Runner, geo GeoResolver, stop *stopflag.Flag, cfg Config) *Engine {
	cfg.applyDefaults()
	if stop == nil {
		stop = stopflag.New()
	}
	return &Engine{store: s, xray: xray, probe: prober, geo: geo, stop: stop, cfg: cfg}
}

// Stats summarizes an engine run.
type Stats struct {
	Batches   int
	Tested    int
	Passed    int
	Failed    int
	Recovered int64
}

// Run executes batches until the stop flag trips, the context ends, or
// MaxBatches is reached. An empty reservation sleeps IdleSleep before
// retrying (or returns immediately when MaxBatches caps the run).
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := e.store.EnsureSlotPool(e.cfg.PortStart, e.cfg.PoolSize, e.cfg.InboundTagPrefix); err != nil {
		return stats, err
	}

	for !e.stop.Stopped() && ctx.Err() == nil {
		recovered, err := e.store.RecoverExpiredLeases(model.UTCNow())
		if err != nil {
			return stats, err
		}
		if recovered > 0 {
			log.Printf("[batchtest] recovered %d expired leases", recovered)
			stats.Recovered += recovered
		}

		tested, passed, err := e.runBatch(ctx)
		if err != nil {
			return stats, err
		}
		if tested > 0 {
			stats.Batches++
			stats.Tested += tested
			stats.Passed += passed
			stats.Failed += tested - passed
		}

		if e.cfg.MaxBatches > 0 && stats.Batches >= e.cfg.MaxBatches {
			break
		}
		if tested == 0 {
			if e.cfg.MaxBatches > 0 {
				break
			}
			select {
			case <-time.After(e.cfg.IdleSleep):
			case <-e.stop.Chan():
			case <-ctx.Done():
			}
		}
	}

	log.Printf("[batchtest] done: batches=%d tested=%d passed=%d failed=%d",
		stats.Batches, stats.Tested, stats.Passed, stats.Failed)
	return stats, nil
}

// job is one prepared reservation, wired into Xray and ready to probe.
type job struct {
	res      store.Reservation
	testTag  string
	ruleTag  string
	socksURL string
}

type outcome struct {
	j   job
	res probe.Result
}

func (e *Engine) runBatch(ctx context.Context) (tested, passed int, err error) {
	batchID := uuid.NewString()
	now := time.Now().UTC()
	reservations, err := e.store.ReserveBatch(store.ReserveParams{
		Now:       model.FormatTime(now),
		LockUntil: model.FormatTime(now.Add(e.cfg.LockTimeout)),
		Owner:     e.cfg.Owner,
		BatchID:   batchID,
		Count:     e.cfg.Count,
	})
	if err != nil {
		return 0, 0, err
	}
	if len(reservations) == 0 {
		return 0, 0, nil
	}
	log.Printf("[batchtest] batch %s: reserved %d links", batchID, len(reservations))

	var jobs []job
	defer func() {
		e.cleanup(jobs, batchID)
	}()

	// Prep is serial: one writer touches both the database and the
	// Xray handler table.
	for _, res := range reservations {
		if e.stop.Stopped() || ctx.Err() != nil {
			break
		}
		j, code, err := e.prepare(ctx, res)
		if err != nil {
			return tested, passed, err
		}
		if code != "" {
			tested++
			if ferr := e.finalize(res, probe.Result{ErrorCode: code}); ferr != nil {
				return tested, passed, ferr
			}
			continue
		}
		jobs = append(jobs, j)
	}

	if len(jobs) == 0 {
		return tested, passed, nil
	}

	// Probes fan out; verdicts come back over one channel and are
	// attributed serially. The buffer lets every worker deliver its
	// outcome even when attribution aborts early.
	jobCh := make(chan job)
	outCh := make(chan outcome, len(jobs))
	workers := e.cfg.Parallel
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for j := range jobCh {
				outCh <- outcome{j: j, res: e.probeOne(ctx, j)}
			}
		}()
	}
	go func() {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case jobCh <- j:
			case <-ctx.Done():
				outCh <- outcome{j: j, res: probe.Result{ErrorCode: model.ErrStopped}}
			}
		}
	}()

	for range jobs {
		out := <-outCh
		tested++
		if out.res.OK {
			passed++
		}
		if ferr := e.finalize(out.j.res, out.res); ferr != nil {
			return tested, passed, ferr
		}
	}
	return tested, passed, nil
}

// prepare wires one reservation into Xray. A non-empty code means the
// link failed before probing and must be finalized with that error; a
// non-nil error means the store is broken and the run must abort.
func (e *Engine) prepare(ctx context.Context, res store.Reservation) (job, string, error) {
	primary, err := e.store.IsPrimary(res.LinkID)
	if err != nil || !primary {
		// The grouping pass may have demoted it since reservation.
		return job{}, model.ErrNotPrimary, nil
	}

	var doc any
	if err := json.Unmarshal([]byte(res.ConfigJSON), &doc); err != nil {
		return job{}, model.ErrParse, nil
	}
	outbound, ok := fingerprint.ExtractOutbound(doc)
	if !ok {
		return job{}, model.ErrParse, nil
	}
	outbound = xrayctl.SanitizeOutbound(outbound)

	// Fresh tags per attempt: a crashed run may have left its old
	// handlers behind, and duplicate tags would collide.
	testTag := freshTag("xT_")
	ruleTag := freshTag("rT_")
	outbound["tag"] = testTag

	if err := e.xray.AddOutbound(ctx, outbound); err != nil {
		return job{}, classifyOutboundError(err), nil
	}
	if err := e.xray.AddInbound(ctx, e.buildInbound(res)); err != nil {
		e.xray.RemoveOutbound(ctx, testTag)
		return job{}, model.ErrXray, nil
	}
	rule := map[string]any{
		"ruleTag":     ruleTag,
		"type":        "field",
		"inboundTag":  []string{res.InboundTag},
		"outboundTag": testTag,
	}
	if err := e.xray.AddRule(ctx, rule); err != nil {
		e.xray.RemoveInbound(ctx, res.InboundTag)
		e.xray.RemoveOutbound(ctx, testTag)
		return job{}, model.ErrRule, nil
	}
	if err := e.store.SetSlotOutboundTag(res.SlotID, testTag); err != nil {
		e.xray.RemoveRule(ctx, ruleTag)
		e.xray.RemoveInbound(ctx, res.InboundTag)
		e.xray.RemoveOutbound(ctx, testTag)
		return job{}, "", err
	}

	return job{
		res:      res,
		testTag:  testTag,
		ruleTag:  ruleTag,
		socksURL: probe.SocksURL(e.cfg.SocksUser, e.cfg.SocksPass, e.cfg.SocksListen, res.Port),
	}, "", nil
}

func (e *Engine) buildInbound(res store.Reservation) map[string]any {
	return map[string]any{
		"tag":      res.InboundTag,
		"port":     res.Port,
		"listen":   e.cfg.SocksListen,
		"protocol": "socks",
		"settings": map[string]any{
			"auth": "password",
			"accounts": []map[string]any{
				{"user": e.cfg.SocksUser, "pass": e.cfg.SocksPass},
			},
			"udp":       true,
			"userLevel": 0,
		},
	}
}

func (e *Engine) probeOne(ctx context.Context, j job) probe.Result {
	if e.stop.Stopped() || ctx.Err() != nil {
		return probe.Result{ErrorCode: model.ErrStopped}
	}
	res, err := e.probe(ctx, j.socksURL)
	if err != nil {
		log.Printf("[batchtest] link %d: checker failed: %v", j.res.LinkID, err)
		return probe.Result{ErrorCode: model.ErrFail}
	}
	return res
}

// finalize maps a probe result onto the stored verdict, filling geo
// gaps from the local database when a resolver is wired.
func (e *Engine) finalize(res store.Reservation, pr probe.Result) error {
	country, city := pr.Country, pr.City
	if e.geo != nil && pr.IP != "" && (country == "" || city == "") {
		rec := e.geo.LookupString(pr.IP)
		if country == "" {
			country = rec.Country
		}
		if city == "" {
			city = rec.City
		}
	}
	return e.store.FinalizeResult(model.TestResult{
		LinkID:     res.LinkID,
		SlotID:     res.SlotID,
		OK:         pr.OK,
		ErrorCode:  pr.ErrorCode,
		IP:         pr.IP,
		Country:    country,
		City:       city,
		Datacenter: pr.ISP,
	})
}

// cleanup tears down the Xray handlers of every prepared job and
// releases any reservation that never got a verdict. Best effort:
// failures are logged, not returned, so one wedged handler cannot leak
// the whole batch's leases.
func (e *Engine) cleanup(jobs []job, batchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, j := range jobs {
		if err := e.xray.RemoveRule(ctx, j.ruleTag); err != nil {
			log.Printf("[batchtest] cleanup rule %s: %v", j.ruleTag, err)
		}
		if err := e.xray.RemoveInbound(ctx, j.res.InboundTag); err != nil {
			log.Printf("[batchtest] cleanup inbound %s: %v", j.res.InboundTag, err)
		}
		if err := e.xray.RemoveOutbound(ctx, j.testTag); err != nil {
			log.Printf("[batchtest] cleanup outbound %s: %v", j.testTag, err)
		}
	}
	released, err := e.store.ReleaseBatch(batchID)
	if err != nil {
		log.Printf("[batchtest] release batch %s: %v", batchID, err)
		return
	}
	if released > 0 {
		log.Printf("[batchtest] batch %s: released %d untested reservations", batchID, released)
	}
}

// classifyOutboundError maps an add-outbound rejection to an error
// code. Xray's message text is the only signal the CLI surfaces.
func classifyOutboundError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cipher"):
		return model.ErrSSCipher
	case strings.Contains(msg, "proto"),
		strings.Contains(msg, "failed to build outbound handler"):
		return model.ErrProto
	default:
		return model.ErrXray
	}
}

func freshTag(prefix string) string {
	var buf [5]byte
	rand.Read(buf[:])
	return prefix + hex.EncodeToString(buf[:])
}
