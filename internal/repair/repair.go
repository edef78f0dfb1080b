// Package repair performs scheme-specific byte surgery on descriptor
// URIs that failed conversion, then feeds the repaired form back
// through the parser bridge. Providers mangle links in recurring ways —
// missing base64 padding, truncated vmess payloads, url-safe instead of
// standard userinfo encoding — and most of them are mechanically
// recoverable.
package repair

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/outpost-proxy/outpost/internal/bridge"
	"github.com/outpost-proxy/outpost/internal/jsonbuild"
	"github.com/outpost-proxy/outpost/internal/model"
	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
)

// maxTrailingStrip bounds the byte-by-byte trailing strip on vmess
// payloads.
const maxTrailingStrip = 200

// Repairer runs one repair pass over all invalid, supported links.
type Repairer struct {
	store     *store.Store
	convert   jsonbuild.Convert
	stop      *stopflag.Flag
	batchSize int
}

// New creates a repairer with the default batch size of 200.
func New(s *store.Store, convert jsonbuild.Convert, stop *stopflag.Flag) *Repairer {
	if stop == nil {
		stop = stopflag.New()
	}
	return &Repairer{store: s, convert: convert, stop: stop, batchSize: 200}
}

// Stats summarizes one repair pass.
type Stats struct {
	Candidates  int
	Recovered   int
	Failed      int
	Unsupported int
	Skipped     int
	StaleCleared int64
}

// Run clears stale repair leftovers, then walks the invalid rows once
// in id order. Each candidate is repaired, re-converted, and resolved
// as recovered, still-failed, or unsupported.
func (r *Repairer) Run() (Stats, error) {
	var stats Stats

	cleared, err := r.store.ClearStaleRepairs()
	if err != nil {
		return stats, err
	}
	stats.StaleCleared = cleared

	var lastID int64
	for !r.stop.Stopped() {
		candidates, err := r.store.RepairCandidates(lastID, r.batchSize)
		if err != nil {
			return stats, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			lastID = c.ID
			if r.stop.Stopped() {
				return stats, nil
			}
			stats.Candidates++
			if err := r.repairOne(c, &stats); err != nil {
				return stats, err
			}
		}
	}

	log.Printf("[repair] done: candidates=%d recovered=%d failed=%d unsupported=%d skipped=%d",
		stats.Candidates, stats.Recovered, stats.Failed, stats.Unsupported, stats.Skipped)
	return stats, nil
}

func (r *Repairer) repairOne(c store.RepairCandidate, stats *Stats) error {
	scheme := model.URIScheme(c.URI)
	if _, ok := model.ProtocolFromScheme(scheme); !ok {
		stats.Unsupported++
		return r.store.SetRepairUnsupported(c.ID)
	}

	repaired, changed := RepairURI(c.URI)
	if !changed || repaired == c.URI {
		stats.Skipped++
		return nil
	}
	if repaired == c.PriorRepair {
		// Same bytes already failed conversion once.
		stats.Skipped++
		return nil
	}

	raw, err := r.convert(repaired)
	if errors.Is(err, bridge.ErrTimeout) {
		raw, err = r.convert(repaired)
	}
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrNotConvertible), errors.Is(err, bridge.ErrTimeout):
		stats.Failed++
		return r.store.SetRepairFailure(c.ID, repaired)
	default:
		return err
	}

	canonical := raw
	if c.OutboundTag != "" {
		canonical, err = jsonbuild.InjectTag(raw, c.OutboundTag)
		if err != nil {
			stats.Failed++
			return r.store.SetRepairFailure(c.ID, repaired)
		}
	}
	stats.Recovered++
	return r.store.SetRepairSuccess(c.ID, canonical)
}

// RepairURI applies the scheme-specific heuristic. The second return
// value reports whether a repair was produced.
func RepairURI(uri string) (string, bool) {
	switch model.URIScheme(uri) {
	case "vmess":
		return repairVMess(uri)
	case "ss", "shadowsocks", "shadowsocks2022":
		return repairSS(uri)
	case "vless", "trojan":
		return stripFragmentAndControls(uri), true
	default:
		return "", false
	}
}

// repairVMess re-derives a clean vmess:// URI: fragment and control
// characters stripped, payload base64-decoded with padding repair,
// JSON recovered (truncating after the last brace, then stripping up
// to maxTrailingStrip trailing bytes), and re-encoded canonically.
func repairVMess(uri string) (string, bool) {
	body := stripFragmentAndControls(strings.TrimPrefix(uri, "vmess://"))
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}

	decoded, ok := decodeBase64Relaxed(body)
	if !ok {
		// The tail may be garbage: strip characters until it decodes.
		for i := 1; i <= maxTrailingStrip && i < len(body); i++ {
			if decoded, ok = decodeBase64Relaxed(body[:len(body)-i]); ok {
				break
			}
		}
		if !ok {
			return "", false
		}
	}

	payload, ok := recoverJSONObject(decoded)
	if !ok {
		return "", false
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(canonical), true
}

// recoverJSONObject parses data as a JSON object, tolerating trailing
// garbage: first as-is, then truncated after the last closing brace,
// then stripping trailing bytes one at a time.
func recoverJSONObject(data []byte) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj, true
	}
	if i := strings.LastIndexByte(string(data), '}'); i >= 0 {
		if err := json.Unmarshal(data[:i+1], &obj); err == nil {
			return obj, true
		}
	}
	for i := 1; i <= maxTrailingStrip && i < len(data); i++ {
		if err := json.Unmarshal(data[:len(data)-i], &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// repairSS normalizes the userinfo encoding of an ss:// URI to
// standard base64.
func repairSS(uri string) (string, bool) {
	scheme := model.URIScheme(uri)
	body := stripFragment(uri[len(scheme)+len("://"):])
	if body == "" {
		return "", false
	}

	if at := strings.Index(body, "@"); at > 0 {
		userinfo := body[:at]
		decoded, ok := decodeBase64Relaxed(userinfo)
		if !ok {
			return "", false
		}
		reencoded := base64.StdEncoding.EncodeToString(decoded)
		return scheme + "://" + reencoded + "@" + body[at+1:], true
	}

	// Whole-body base64 form: ss://base64(method:pass@host:port).
	decoded, ok := decodeBase64Relaxed(body)
	if !ok || !strings.Contains(string(decoded), "@") {
		return "", false
	}
	return scheme + "://" + base64.StdEncoding.EncodeToString(decoded), true
}

func stripFragment(s string) string {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return s[:i]
	}
	return s
}

func stripFragmentAndControls(s string) string {
	s = stripFragment(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func decodeBase64Relaxed(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}
