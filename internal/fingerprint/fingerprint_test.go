package fingerprint

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/outpost-proxy/outpost/internal/store"
)

func TestComputeIgnoresNonIdentityFields(t *testing.T) {
	a := `{
		"protocol": "vless",
		"tag": "x_aaa111",
		"settings": {"vnext": [{"address": "Host.Example.com", "port": 443,
			"users": [{"id": "ABC-DEF", "encryption": "none", "flow": ""}]}]},
		"streamSettings": {"network": "ws", "security": "tls",
			"tlsSettings": {"serverName": "SNI.example.com"},
			"wsSettings": {"path": "/ws", "headers": {"Host": "cdn.example.com"}}},
		"mux": {"enabled": true}
	}`
	b := `{
		"streamSettings": {"wsSettings": {"headers": {"Host": "cdn.example.com"}, "path": "/ws"},
			"tlsSettings": {"serverName": "sni.example.com"}, "security": "tls", "network": "ws"},
		"settings": {"vnext": [{"users": [{"flow": "", "encryption": "none", "id": "abc-def"}],
			"port": 443, "address": "host.example.com"}]},
		"tag": "x_bbb222",
		"protocol": "vless"
	}`

	fpA, err := Compute(a)
	if err != nil {
		t.Fatal(err)
	}
	fpB, err := Compute(b)
	if err != nil {
		t.Fatal(err)
	}
	if fpA != fpB {
		t.Fatalf("fingerprints differ: %s vs %s", fpA, fpB)
	}
	if len(fpA) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(fpA))
	}
}

func TestComputeDistinguishesEndpoints(t *testing.T) {
	template := `{"protocol":"trojan","settings":{"servers":[{"address":"h","port":%d,"password":"pw"}]}}`
	fp443, err := Compute(fmt.Sprintf(template, 443))
	if err != nil {
		t.Fatal(err)
	}
	fp8443, err := Compute(fmt.Sprintf(template, 8443))
	if err != nil {
		t.Fatal(err)
	}
	if fp443 == fp8443 {
		t.Fatal("different ports must not collide")
	}
}

func TestComputeTrojanPasswordCaseSensitive(t *testing.T) {
	template := `{"protocol":"trojan","settings":{"servers":[{"address":"h","port":443,"password":%q}]}}`
	fpLower, err := Compute(fmt.Sprintf(template, "secret"))
	if err != nil {
		t.Fatal(err)
	}
	fpUpper, err := Compute(fmt.Sprintf(template, "SECRET"))
	if err != nil {
		t.Fatal(err)
	}
	if fpLower == fpUpper {
		t.Fatal("trojan passwords are case sensitive")
	}
}

func TestComputePortTypeNormalized(t *testing.T) {
	asNumber := `{"protocol":"vmess","settings":{"vnext":[{"address":"h","port":443,"users":[{"id":"u"}]}]}}`
	asString := `{"protocol":"vmess","settings":{"vnext":[{"address":"h","port":"443","users":[{"id":"u"}]}]}}`
	fpN, err := Compute(asNumber)
	if err != nil {
		t.Fatal(err)
	}
	fpS, err := Compute(asString)
	if err != nil {
		t.Fatal(err)
	}
	if fpN != fpS {
		t.Fatal("numeric and string ports must hash the same")
	}
}

func TestComputeShadowsocksSIP008Users(t *testing.T) {
	nested := `{"protocol":"shadowsocks","settings":{"servers":[{"address":"h","port":8388,
		"users":[{"method":"aes-256-gcm","password":"pw"}]}]}}`
	flat := `{"protocol":"shadowsocks","settings":{"servers":[{"address":"h","port":8388,
		"method":"aes-256-gcm","password":"pw"}]}}`
	fpNested, err := Compute(nested)
	if err != nil {
		t.Fatal(err)
	}
	fpFlat, err := Compute(flat)
	if err != nil {
		t.Fatal(err)
	}
	if fpNested != fpFlat {
		t.Fatal("SIP008 user credentials must match the flat form")
	}
}

func TestComputeWrappedOutbound(t *testing.T) {
	bare := `{"protocol":"trojan","settings":{"servers":[{"address":"h","port":443,"password":"pw"}]}}`
	wrapped := `{"outbounds":[` + bare + `]}`
	fpBare, err := Compute(bare)
	if err != nil {
		t.Fatal(err)
	}
	fpWrapped, err := Compute(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if fpBare != fpWrapped {
		t.Fatal("outbounds wrapper must not change the fingerprint")
	}
}

func TestComputeErrors(t *testing.T) {
	if _, err := Compute("{not json"); err == nil {
		t.Fatal("want parse error")
	}
	_, err := Compute(`{"protocol":"wireguard","settings":{}}`)
	if err != ErrUnsupportedProtocol {
		t.Fatalf("err = %v, want ErrUnsupportedProtocol", err)
	}
}

func TestUpdaterRun(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := store.Migrate(s.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rows := []struct {
		uri    string
		config string
	}{
		{"vless://a@h:443", `{"protocol":"vless","settings":{"vnext":[{"address":"h","port":443,"users":[{"id":"a"}]}]}}`},
		{"vless://a2@h:443", `{"protocol":"vless","settings":{"vnext":[{"address":"h","port":443,"users":[{"id":"a"}]}]}}`},
		{"vmess://broken", `{"oops`},
		{"trojan://wg@h:443", `{"protocol":"wireguard","settings":{}}`},
	}
	for _, r := range rows {
		if _, err := s.InsertURIs([]string{r.uri}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.DB().Exec(
			"UPDATE links SET config_json = ? WHERE uri = ?", r.config, r.uri); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := NewUpdater(s, nil).Run()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hashed != 2 || stats.Invalid != 1 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var distinct int
	if err := s.DB().QueryRow(
		"SELECT COUNT(DISTINCT fingerprint) FROM links WHERE fingerprint IS NOT NULL AND fingerprint != ''").Scan(&distinct); err != nil {
		t.Fatal(err)
	}
	if distinct != 1 {
		t.Fatalf("distinct fingerprints = %d, want 1 (identical endpoints)", distinct)
	}

	var fp string
	if err := s.DB().QueryRow(
		"SELECT fingerprint FROM links WHERE uri = 'vless://a@h:443'").Scan(&fp); err != nil {
		t.Fatal(err)
	}
	if len(fp) != 64 || strings.ToLower(fp) != fp {
		t.Fatalf("fingerprint = %q, want lowercase sha256 hex", fp)
	}
}
