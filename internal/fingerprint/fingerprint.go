// Package fingerprint derives the protocol identity hash of a built
// outbound config. Two configs that dial the same endpoint with the
// same credentials and stream parameters get the same fingerprint, no
// matter how the rest of the JSON differs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedProtocol marks configs whose protocol is outside the
// fingerprinted set. Callers skip these silently.
var ErrUnsupportedProtocol = errors.New("fingerprint: unsupported protocol")

// ErrNoOutbound marks configs from which no outbound object could be
// extracted.
var ErrNoOutbound = errors.New("fingerprint: no outbound object")

// Compute parses the stored config JSON and returns the SHA-256 hex of
// the canonical identity document. A JSON syntax error is returned
// as-is (the caller marks the row invalid); ErrUnsupportedProtocol and
// ErrNoOutbound are skip conditions.
func Compute(configJSON string) (string, error) {
	var doc any
	if err := json.Unmarshal([]byte(configJSON), &doc); err != nil {
		return "", fmt.Errorf("fingerprint: parse config: %w", err)
	}
	outbound, ok := ExtractOutbound(doc)
	if !ok {
		return "", ErrNoOutbound
	}

	identity, err := identityOf(outbound)
	if err != nil {
		return "", err
	}
	addStreamIdentity(identity, outbound)

	canonical, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ExtractOutbound finds the outbound object inside a decoded config:
// a bare object carrying "protocol" or "type", the first element of
// "outbounds", or the value of "outbound".
func ExtractOutbound(doc any) (map[string]any, bool) {
	switch t := doc.(type) {
	case map[string]any:
		if getString(t, "protocol") != "" || getString(t, "type") != "" {
			return t, true
		}
		if list, ok := t["outbounds"].([]any); ok && len(list) > 0 {
			if obj, ok := list[0].(map[string]any); ok && getString(obj, "protocol") != "" {
				return obj, true
			}
		}
		if obj, ok := t["outbound"].(map[string]any); ok {
			return obj, true
		}
	case []any:
		if len(t) > 0 {
			if obj, ok := t[0].(map[string]any); ok {
				return ExtractOutbound(obj)
			}
		}
	}
	return nil, false
}

func identityOf(outbound map[string]any) (map[string]any, error) {
	protocol := strings.ToLower(firstNonEmpty(
		getString(outbound, "protocol"), getString(outbound, "type")))
	settings := getMap(outbound, "settings")

	switch protocol {
	case "vmess":
		return vmessIdentity(settings)
	case "vless":
		return vlessIdentity(settings)
	case "trojan":
		return trojanIdentity(settings)
	case "shadowsocks", "shadowsocks2022", "ss":
		return shadowsocksIdentity(settings)
	default:
		return nil, ErrUnsupportedProtocol
	}
}

func vmessIdentity(settings map[string]any) (map[string]any, error) {
	server, user, ok := firstVnextUser(settings)
	if !ok {
		return nil, ErrNoOutbound
	}
	id := map[string]any{
		"proto":   "vmess",
		"address": strings.ToLower(getString(server, "address")),
		"port":    portOf(server),
		"uuid":    strings.ToLower(getString(user, "id")),
	}
	if sec := getString(user, "security"); sec != "" {
		id["security"] = strings.ToLower(sec)
	}
	if alterID, ok := intOf(user["alterId"]); ok {
		id["alter_id"] = alterID
	}
	return id, nil
}

func vlessIdentity(settings map[string]any) (map[string]any, error) {
	if server, user, ok := firstVnextUser(settings); ok {
		return map[string]any{
			"proto":      "vless",
			"address":    strings.ToLower(getString(server, "address")),
			"port":       portOf(server),
			"uuid":       strings.ToLower(getString(user, "id")),
			"encryption": strings.ToLower(getString(user, "encryption")),
			"flow":       strings.ToLower(getString(user, "flow")),
		}, nil
	}
	// Flat form: settings carry the endpoint directly.
	if settings == nil {
		return nil, ErrNoOutbound
	}
	uuid := firstNonEmpty(getString(settings, "id"), getString(settings, "uuid"))
	if uuid == "" {
		return nil, ErrNoOutbound
	}
	return map[string]any{
		"proto":      "vless",
		"address":    strings.ToLower(getString(settings, "address")),
		"port":       portOf(settings),
		"uuid":       strings.ToLower(uuid),
		"encryption": strings.ToLower(getString(settings, "encryption")),
		"flow":       strings.ToLower(getString(settings, "flow")),
	}, nil
}

func trojanIdentity(settings map[string]any) (map[string]any, error) {
	server, ok := firstServer(settings)
	if !ok {
		return nil, ErrNoOutbound
	}
	return map[string]any{
		"proto":   "trojan",
		"address": strings.ToLower(getString(server, "address")),
		"port":    portOf(server),
		// Password is case sensitive; preserve it.
		"password": getString(server, "password"),
	}, nil
}

func shadowsocksIdentity(settings map[string]any) (map[string]any, error) {
	server, ok := firstServer(settings)
	if !ok {
		// Flat form.
		if settings == nil || getString(settings, "address") == "" {
			return nil, ErrNoOutbound
		}
		server = settings
	}

	method := firstNonEmpty(getString(server, "method"), getString(server, "cipher"))
	password, hasPassword := server["password"].(string)
	if !hasPassword {
		// SIP008 nests credentials under users[0].
		if users, ok := server["users"].([]any); ok && len(users) > 0 {
			if u, ok := users[0].(map[string]any); ok {
				method = firstNonEmpty(method, getString(u, "method"), getString(u, "cipher"))
				password, _ = u["password"].(string)
			}
		}
	}

	id := map[string]any{
		"proto":   "shadowsocks",
		"address": strings.ToLower(getString(server, "address")),
		"port":    portOf(server),
		"method":  strings.ToLower(method),
		// Empty password is a legal shadowsocks-2022 configuration.
		"password": password,
	}
	if uot, ok := server["uot"].(bool); ok {
		id["uot"] = uot
	}
	if plugin := getString(server, "plugin"); plugin != "" {
		id["plugin"] = plugin
		if opts, ok := server["plugin_opts"]; ok {
			if blob, err := json.Marshal(opts); err == nil {
				id["plugin_opts"] = string(blob)
			}
		} else if opts := getString(server, "pluginOpts"); opts != "" {
			id["plugin_opts"] = opts
		}
	}
	return id, nil
}

// addStreamIdentity folds the transport parameters into the identity:
// network, TLS mode, SNI, and the host/path pair for HTTP-family
// transports.
func addStreamIdentity(id map[string]any, outbound map[string]any) {
	stream := getMap(outbound, "streamSettings")

	network := "tcp"
	if stream != nil {
		if n := strings.ToLower(getString(stream, "network")); n != "" {
			network = n
		}
	}
	id["network"] = network

	tlsEnabled := false
	tlsType := ""
	var sni string
	if stream != nil {
		security := strings.ToLower(getString(stream, "security"))
		switch {
		case security != "" && security != "none" && security != "plaintext":
			tlsEnabled = true
			tlsType = security
		case getMap(stream, "tlsSettings") != nil:
			tlsEnabled = true
			tlsType = "tls"
		case getMap(stream, "realitySettings") != nil:
			tlsEnabled = true
			tlsType = "reality"
		}
		if tlsSettings := getMap(stream, "tlsSettings"); tlsSettings != nil {
			sni = firstNonEmpty(getString(tlsSettings, "serverName"), getString(tlsSettings, "sni"))
		}
		if sni == "" {
			if reality := getMap(stream, "realitySettings"); reality != nil {
				sni = firstNonEmpty(getString(reality, "serverName"), getString(reality, "sni"))
			}
		}
	}
	id["tls"] = tlsEnabled
	if tlsType != "" {
		id["tls_type"] = tlsType
	}
	if sni != "" {
		id["sni"] = strings.ToLower(sni)
	}

	if stream == nil {
		return
	}
	switch network {
	case "ws":
		if ws := getMap(stream, "wsSettings"); ws != nil {
			if path := getString(ws, "path"); path != "" {
				id["path"] = path
			}
			host := getString(ws, "host")
			if host == "" {
				if headers := getMap(ws, "headers"); headers != nil {
					host = firstNonEmpty(getString(headers, "Host"), getString(headers, "host"))
				}
			}
			if host != "" {
				id["host"] = strings.ToLower(host)
			}
		}
	case "http", "h2", "h3":
		if h := getMap(stream, "httpSettings"); h != nil {
			if path := getString(h, "path"); path != "" {
				id["path"] = path
			}
			if host := getString(h, "host"); host != "" {
				id["host"] = strings.ToLower(host)
			} else if hosts, ok := h["host"].([]any); ok && len(hosts) > 0 {
				if first, ok := hosts[0].(string); ok && first != "" {
					id["host"] = strings.ToLower(first)
				}
			}
		}
	}
}

// ---- decoded-JSON helpers ----

func firstVnextUser(settings map[string]any) (server, user map[string]any, ok bool) {
	if settings == nil {
		return nil, nil, false
	}
	vnext, ok := settings["vnext"].([]any)
	if !ok || len(vnext) == 0 {
		return nil, nil, false
	}
	server, ok = vnext[0].(map[string]any)
	if !ok {
		return nil, nil, false
	}
	users, _ := server["users"].([]any)
	if len(users) > 0 {
		user, _ = users[0].(map[string]any)
	}
	if user == nil {
		user = map[string]any{}
	}
	return server, user, true
}

func firstServer(settings map[string]any) (map[string]any, bool) {
	if settings == nil {
		return nil, false
	}
	servers, ok := settings["servers"].([]any)
	if !ok || len(servers) == 0 {
		return nil, false
	}
	server, ok := servers[0].(map[string]any)
	return server, ok
}

// portOf normalizes the port to an integer whatever the JSON type.
func portOf(m map[string]any) int64 {
	n, _ := intOf(m["port"])
	return n
}

func intOf(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
