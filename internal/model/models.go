// Package model defines the shared domain types: links, inbound slots,
// protocol identifiers, and test error codes.
package model

import (
	"database/sql"
	"strings"
	"time"
)

// TimeLayout is the storage format for all timestamps: UTC ISO-8601
// with second precision.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t as storage text (UTC, second precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// UTCNow returns the current time as storage text.
func UTCNow() string {
	return FormatTime(time.Now())
}

// Protocol identifies a supported proxy protocol. The zero value is
// ProtocolUnknown.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolVMess
	ProtocolVLESS
	ProtocolShadowsocks
	ProtocolTrojan
)

func (p Protocol) String() string {
	switch p {
	case ProtocolVMess:
		return "vmess"
	case ProtocolVLESS:
		return "vless"
	case ProtocolShadowsocks:
		return "shadowsocks"
	case ProtocolTrojan:
		return "trojan"
	default:
		return "unknown"
	}
}

// Scheme returns the URI scheme for the protocol.
func (p Protocol) Scheme() string {
	if p == ProtocolShadowsocks {
		return "ss"
	}
	return p.String()
}

// ProtocolFromScheme maps a URI scheme to a Protocol. The second return
// value is false for schemes outside the supported set.
func ProtocolFromScheme(scheme string) (Protocol, bool) {
	switch strings.ToLower(scheme) {
	case "vmess":
		return ProtocolVMess, true
	case "vless":
		return ProtocolVLESS, true
	case "ss", "shadowsocks", "shadowsocks2022":
		return ProtocolShadowsocks, true
	case "trojan":
		return ProtocolTrojan, true
	default:
		return ProtocolUnknown, false
	}
}

// URIScheme returns the scheme of a descriptor URI ("" if none).
func URIScheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}

// Test status values for links.test_status.
const (
	TestStatusIdle    = "idle"
	TestStatusRunning = "running"
)

// Slot roles for inbound_slots.role.
const (
	SlotRolePrimary = "primary"
	SlotRoleTest    = "test"
)

// Slot status values for inbound_slots.status.
const (
	SlotStatusNew     = "new"
	SlotStatusIdle    = "idle"
	SlotStatusRunning = "running"
)

// Test error codes persisted into links.last_test_error. The set is
// closed: anything a probe or prep failure produces is mapped onto one
// of these before it is written.
const (
	ErrTimeout    = "timeout"    // probe hit the check timeout
	ErrConnect    = "connect"    // TCP connect through the proxy failed
	ErrProxy      = "proxy"      // SOCKS handshake / upstream proxy error
	ErrTLS        = "tls"        // TLS failure on the probed site
	ErrHTTP       = "http"       // non-2xx or malformed HTTP response
	ErrAntibot    = "antibot"    // challenge page instead of real content
	ErrParse      = "parse"      // probe output was not parseable JSON
	ErrXray       = "xray"       // Xray API call failed during prep
	ErrRule       = "rule"       // routing rule could not be applied
	ErrSSCipher   = "ss_cipher"  // shadowsocks cipher rejected by Xray
	ErrProto      = "proto"      // protocol rejected by Xray
	ErrStopped    = "stopped"    // run interrupted before the probe finished
	ErrNotPrimary = "not_primary" // record lost primary status before prep
	ErrFail       = "fail"       // unclassifiable failure
)

// Link is one row of the links table: a proxy descriptor URI and
// everything derived from it.
type Link struct {
	ID          int64
	URI         string
	RepairedURI sql.NullString
	ConfigJSON  sql.NullString
	Fingerprint sql.NullString
	GroupID     string
	IsPrimary   bool

	IsInvalid     bool
	IsUnsupported bool
	ParentID      sql.NullInt64

	OutboundTag sql.NullString
	InboundTag  sql.NullString

	TestStatus    string
	TestStartedAt sql.NullString
	TestLockUntil sql.NullString
	TestLockOwner sql.NullString
	TestBatchID   sql.NullString

	LastTestedAt  sql.NullString
	LastTestOK    sql.NullInt64
	LastTestError sql.NullString
	IsAlive       sql.NullInt64

	IP         sql.NullString
	Country    sql.NullString
	City       sql.NullString
	Datacenter sql.NullString

	IsInUse   bool
	BoundPort sql.NullInt64

	CreatedAt string
	UpdatedAt string
}

// Slot is one row of the inbound_slots table: a reserved local port for
// a test inbound.
type Slot struct {
	ID          int64
	Port        int
	Tag         string
	Role        string
	IsActive    bool
	LinkID      sql.NullInt64
	OutboundTag sql.NullString
	Status      string
	LastTestAt  sql.NullString
}

// TestResult is the outcome of probing one reserved link, produced by
// the probe phase and consumed by the serial attribution writer.
type TestResult struct {
	LinkID    int64
	SlotID    int64
	BatchID   string
	OK        bool
	ErrorCode string

	IP         string
	Country    string
	City       string
	Datacenter string
}
