// Package geoip resolves the country and city of probed exit IPs from
// a local MaxMind database. The probe endpoint usually reports geo
// fields itself; the local database fills the gaps when it does not.
// The database file is refreshed on a cron schedule and hot-reloaded
// under an RWMutex.
package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/outpost-proxy/outpost/internal/netutil"
)

// Record is the subset of a city-level lookup the pipeline stores.
type Record struct {
	Country string
	City    string
}

// Reader abstracts the database reader so tests can fake lookups.
type Reader interface {
	Lookup(ip netip.Addr) Record
	Close() error
}

// OpenFunc opens a database file and returns a Reader.
type OpenFunc func(path string) (Reader, error)

type maxmindReader struct {
	db *maxminddb.Reader
}

// cityRecord mirrors the GeoLite2-City document shape.
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

func (r *maxmindReader) Lookup(ip netip.Addr) Record {
	var rec cityRecord
	if err := r.db.Lookup(ip.AsSlice(), &rec); err != nil {
		return Record{}
	}
	return Record{
		Country: rec.Country.ISOCode,
		City:    rec.City.Names["en"],
	}
}

func (r *maxmindReader) Close() error { return r.db.Close() }

// MaxMindOpen is the production OpenFunc.
func MaxMindOpen(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &maxmindReader{db: db}, nil
}

// ReleaseAPIURL is the GitHub API endpoint for the latest GeoLite2
// mirror release.
const ReleaseAPIURL = "https://api.github.com/repos/P3TERX/GeoLite.mmdb/releases/latest"

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	CacheDir       string             // directory where the mmdb is stored
	DBFilename     string             // default "GeoLite2-City.mmdb"
	UpdateSchedule string             // cron expression, default "0 5 12 * *"
	ReleaseAPI     string             // default ReleaseAPIURL
	OpenDB         OpenFunc           // default MaxMindOpen
	Downloader     netutil.Downloader // shared downloader for fetching releases
}

// Service provides geo lookup with hot-reloading via RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader Reader // nil until first load

	cacheDir    string
	dbFilename  string
	releaseAPI  string
	openDB      OpenFunc
	downloader  netutil.Downloader
	cron        *cron.Cron
	cronEntryID cron.EntryID
	updateMu    sync.Mutex // serializes UpdateNow calls
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
}

// NewService creates a new GeoIP service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.DBFilename == "" {
		cfg.DBFilename = "GeoLite2-City.mmdb"
	}
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 5 12 * *"
	}
	if cfg.ReleaseAPI == "" {
		cfg.ReleaseAPI = ReleaseAPIURL
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxMindOpen
	}
	c := cron.New()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service{
		cacheDir:   cfg.CacheDir,
		dbFilename: cfg.DBFilename,
		releaseAPI: cfg.ReleaseAPI,
		openDB:     cfg.OpenDB,
		downloader: cfg.Downloader,
		cron:       c,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	entryID, err := c.AddFunc(cfg.UpdateSchedule, func() {
		if err := s.UpdateNow(); err != nil {
			log.Printf("[geoip] scheduled update failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", cfg.UpdateSchedule, err)
	} else {
		s.cronEntryID = entryID
	}

	return s
}

// Start loads the initial database (if present), checks for staleness
// against the cron schedule, and starts the scheduler.
func (s *Service) Start() error {
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	info, err := os.Stat(dbPath)
	if err == nil {
		if err := s.reloadReader(dbPath); err != nil {
			log.Printf("[geoip] failed to load initial db: %v", err)
		}
		if s.isStale(info.ModTime()) {
			log.Println("[geoip] database is stale, triggering background update")
			go func() {
				if err := s.UpdateNow(); err != nil {
					log.Printf("[geoip] startup update failed: %v", err)
				}
			}()
		}
	} else if os.IsNotExist(err) {
		log.Println("[geoip] no local database found, triggering background download")
		go func() {
			if err := s.UpdateNow(); err != nil {
				log.Printf("[geoip] initial download failed: %v", err)
			}
		}()
	} else {
		return fmt.Errorf("geoip: stat db %s: %w", dbPath, err)
	}
	s.cron.Start()
	return nil
}

// isStale reports whether the file's mtime is older than 2× the gap
// between two consecutive cron firings. Falls back to 32 days if the
// schedule cannot be determined.
func (s *Service) isStale(modTime time.Time) bool {
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 32*24*time.Hour
	}
	now := time.Now()
	next := entry.Schedule.Next(now)
	nextNext := entry.Schedule.Next(next)
	interval := nextNext.Sub(next)
	if interval <= 0 {
		interval = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// Stop stops the scheduler and closes the reader.
func (s *Service) Stop() {
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup resolves ip to a country/city record. Returns the zero
// Record when no database is loaded or the address is unknown.
func (s *Service) Lookup(ip netip.Addr) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return Record{}
	}
	return s.reader.Lookup(ip)
}

// LookupString parses and resolves a textual IP.
func (s *Service) LookupString(ip string) Record {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Record{}
	}
	return s.Lookup(addr)
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type releaseInfo struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

// UpdateNow downloads the latest database release, verifies its SHA256
// when the release publishes one, atomically replaces the local file,
// and hot-reloads the reader. Serialized via updateMu.
func (s *Service) UpdateNow() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}

	ctx := context.Background()
	if s.lifeCtx != nil {
		ctx = s.lifeCtx
	}

	releaseBody, err := s.downloader.Download(ctx, s.releaseAPI)
	if err != nil {
		return fmt.Errorf("geoip: fetch release info: %w", err)
	}
	var release releaseInfo
	if err := json.Unmarshal(releaseBody, &release); err != nil {
		return fmt.Errorf("geoip: parse release info: %w", err)
	}

	dbURL, sha256URL := "", ""
	for _, a := range release.Assets {
		switch a.Name {
		case s.dbFilename:
			dbURL = a.BrowserDownloadURL
		case s.dbFilename + ".sha256sum":
			sha256URL = a.BrowserDownloadURL
		}
	}
	if dbURL == "" {
		return fmt.Errorf("geoip: asset %q not found in release %s", s.dbFilename, release.TagName)
	}

	dbData, err := s.downloader.Download(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("geoip: download db: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.cacheDir, s.dbFilename+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(dbData); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpPath) // no-op once renamed

	// Not every mirror publishes checksums; verify when one exists.
	if sha256URL != "" {
		sha256Body, err := s.downloader.Download(ctx, sha256URL)
		if err != nil {
			return fmt.Errorf("geoip: download sha256: %w", err)
		}
		expectedHash := parseSHA256Sum(string(sha256Body))
		if expectedHash == "" {
			return fmt.Errorf("geoip: could not parse sha256sum from %q", string(sha256Body))
		}
		if err := VerifySHA256(tmpPath, expectedHash); err != nil {
			return err
		}
	} else {
		log.Printf("[geoip] release %s publishes no sha256sum, skipping verification", release.TagName)
	}

	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}
	return s.reloadReader(dbPath)
}

// reloadReader atomically replaces the current reader with a new one.
// RLock holders on the old reader finish before it is closed.
func (s *Service) reloadReader(path string) error {
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// VerifySHA256 checks that the file at path has the expected hash.
func VerifySHA256(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	got := sha256.Sum256(data)
	gotHex := hex.EncodeToString(got[:])
	if gotHex != expectedHex {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", gotHex, expectedHex)
	}
	return nil
}

// LastUpdated returns the modification time of the database file.
func (s *Service) LastUpdated() time.Time {
	info, err := os.Stat(filepath.Join(s.cacheDir, s.dbFilename))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// parseSHA256Sum extracts the hex hash from "<hash>  <filename>".
func parseSHA256Sum(s string) string {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) >= 1 && len(parts[0]) == 64 {
		return strings.ToLower(parts[0])
	}
	return ""
}
