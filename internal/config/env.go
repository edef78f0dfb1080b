// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings. CLI flags
// override these per invocation.
type EnvConfig struct {
	// Directories and files
	DataDir     string
	DBPath      string
	SourcesFile string
	RawFile     string
	CacheDir    string // geo database cache

	// Collector
	CollectSchedule string
	FetchTimeout    time.Duration
	CollectWorkers  int

	// Parser bridge
	BridgeCommand   string
	BridgeAssetsDir string

	// Xray / probing
	XrayBin      string
	APIServer    string // empty means autodetect
	ProbeBin     string
	CheckTimeout time.Duration
	LockTimeout  time.Duration

	// Batch engine
	BatchCount       int
	BatchParallel    int
	PortStart        int
	InboundTagPrefix string
	IdleSleep        time.Duration
	SocksListen      string
	SocksUser        string
	SocksPass        string

	// GeoIP
	GeoIPUpdateSchedule string

	// Control
	StopFile string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid value at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DataDir = envStr("OUTPOST_DATA_DIR", "/var/lib/outpost")
	cfg.DBPath = envStr("OUTPOST_DB_PATH", filepath.Join(cfg.DataDir, "outpost.db"))
	cfg.SourcesFile = envStr("OUTPOST_SOURCES_FILE", filepath.Join(cfg.DataDir, "sources.txt"))
	cfg.RawFile = envStr("OUTPOST_RAW_FILE", filepath.Join(cfg.DataDir, "raw_links.txt"))
	cfg.CacheDir = envStr("OUTPOST_CACHE_DIR", "/var/cache/outpost")

	cfg.CollectSchedule = envStr("OUTPOST_COLLECT_SCHEDULE", "@every 1h")
	cfg.FetchTimeout = envDuration("OUTPOST_FETCH_TIMEOUT", 30*time.Second, &errs)
	cfg.CollectWorkers = envInt("OUTPOST_COLLECT_WORKERS", 10, &errs)

	cfg.BridgeCommand = envStr("OUTPOST_BRIDGE_COMMAND", "node parser-bridge.js")
	cfg.BridgeAssetsDir = envStr("OUTPOST_BRIDGE_DIR", "")

	cfg.XrayBin = envStr("OUTPOST_XRAY_BIN", "xray")
	cfg.APIServer = strings.TrimSpace(envStr("OUTPOST_API_SERVER", ""))
	cfg.ProbeBin = envStr("OUTPOST_PROBE_BIN", "proxy-checker")
	cfg.CheckTimeout = envDuration("OUTPOST_CHECK_TIMEOUT", 60*time.Second, &errs)
	cfg.LockTimeout = envDuration("OUTPOST_LOCK_TIMEOUT", 90*time.Second, &errs)

	cfg.BatchCount = envInt("OUTPOST_BATCH_COUNT", 100, &errs)
	cfg.BatchParallel = envInt("OUTPOST_BATCH_PARALLEL", 10, &errs)
	cfg.PortStart = envInt("OUTPOST_PORT_START", 9000, &errs)
	cfg.InboundTagPrefix = envStr("OUTPOST_INBOUND_TAG_PREFIX", "in_test_")
	cfg.IdleSleep = envDuration("OUTPOST_IDLE_SLEEP", 2*time.Second, &errs)
	cfg.SocksListen = strings.TrimSpace(envStr("OUTPOST_SOCKS_LISTEN", "127.0.0.1"))
	cfg.SocksUser = envStr("OUTPOST_SOCKS_USER", "me")
	cfg.SocksPass = envStr("OUTPOST_SOCKS_PASS", "1")

	cfg.GeoIPUpdateSchedule = envStr("OUTPOST_GEOIP_UPDATE_SCHEDULE", "0 5 12 * *")

	cfg.StopFile = envStr("OUTPOST_STOP_FILE", "")

	// --- Validation ---
	if _, err := cron.ParseStandard(cfg.CollectSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("OUTPOST_COLLECT_SCHEDULE: invalid cron expression %q: %v", cfg.CollectSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.GeoIPUpdateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("OUTPOST_GEOIP_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPUpdateSchedule, err))
	}
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, "OUTPOST_FETCH_TIMEOUT must be positive")
	}
	if cfg.CheckTimeout <= 0 {
		errs = append(errs, "OUTPOST_CHECK_TIMEOUT must be positive")
	}
	if cfg.LockTimeout <= 0 {
		errs = append(errs, "OUTPOST_LOCK_TIMEOUT must be positive")
	}
	if cfg.IdleSleep <= 0 {
		errs = append(errs, "OUTPOST_IDLE_SLEEP must be positive")
	}
	validatePositive("OUTPOST_COLLECT_WORKERS", cfg.CollectWorkers, &errs)
	validatePositive("OUTPOST_BATCH_COUNT", cfg.BatchCount, &errs)
	validatePositive("OUTPOST_BATCH_PARALLEL", cfg.BatchParallel, &errs)
	validatePort("OUTPOST_PORT_START", cfg.PortStart, &errs)
	if cfg.PortStart+cfg.BatchCount-1 > 65535 {
		errs = append(errs, "OUTPOST_PORT_START + OUTPOST_BATCH_COUNT exceeds the port range")
	}
	if cfg.InboundTagPrefix == "" {
		errs = append(errs, "OUTPOST_INBOUND_TAG_PREFIX must not be empty")
	}
	if cfg.SocksListen == "" {
		errs = append(errs, "OUTPOST_SOCKS_LISTEN must not be empty")
	}
	if strings.ContainsAny(cfg.SocksUser, ":@") || strings.ContainsAny(cfg.SocksPass, ":@") {
		errs = append(errs, "OUTPOST_SOCKS_USER / OUTPOST_SOCKS_PASS must not contain ':' or '@'")
	}
	if strings.TrimSpace(cfg.BridgeCommand) == "" {
		errs = append(errs, "OUTPOST_BRIDGE_COMMAND must not be empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
