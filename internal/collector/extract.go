package collector

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// protoPrefixes is the scheme set recognized during extraction. Broader
// than the supported protocol set on purpose: unsupported schemes are
// still collected and classified later.
var protoPrefixes = []string{
	"vmess://", "vless://", "trojan://", "ss://",
	"ssr://", "tuic://", "hysteria2://", "hy2://",
}

var schemeRegexps = []*regexp.Regexp{
	regexp.MustCompile(`vmess://[A-Za-z0-9+/=_-]+`),
	regexp.MustCompile(`vless://[^\s"'<>\\]+`),
	regexp.MustCompile(`trojan://[^\s"'<>\\]+`),
	regexp.MustCompile(`ss://[^\s"'<>\\]+`),
	regexp.MustCompile(`ssr://[A-Za-z0-9+/=_-]+`),
	regexp.MustCompile(`tuic://[^\s"'<>\\]+`),
	regexp.MustCompile(`hysteria2://[^\s"'<>\\]+`),
	regexp.MustCompile(`hy2://[^\s"'<>\\]+`),
}

// ExtractURIs pulls proxy descriptor URIs out of one subscription body.
// Dispatch order: JSON document walk, base64-decoded re-dispatch,
// Clash YAML proxies, plain-text regex scan.
func ExtractURIs(body []byte) []string {
	text := normalizeTextContent(string(body))

	if looksLikeJSON([]byte(text)) {
		var doc any
		if err := json.Unmarshal([]byte(text), &doc); err == nil {
			return dedupeInOrder(walkJSON(doc, nil))
		}
	}

	if decoded, ok := tryDecodeBase64ToText([]byte(text)); ok {
		text = normalizeTextContent(decoded)
	}

	if looksLikeClashYAML(text) {
		if uris := extractClashProxies(text); len(uris) > 0 {
			return dedupeInOrder(uris)
		}
	}

	return dedupeInOrder(scanText(text))
}

// walkJSON recursively collects scheme-prefixed strings and converts
// the structured outbound shapes that subscriptions embed directly.
func walkJSON(v any, acc []string) []string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, p := range protoPrefixes {
			if strings.HasPrefix(s, p) {
				acc = append(acc, s)
				break
			}
		}
	case []any:
		for _, item := range t {
			acc = walkJSON(item, acc)
		}
	case map[string]any:
		if uri, ok := structuredOutboundURI(t); ok {
			acc = append(acc, uri)
		}
		for _, item := range t {
			acc = walkJSON(item, acc)
		}
	}
	return acc
}

// structuredOutboundURI converts an embedded outbound object into a
// URI where one exists. Hysteria2 objects become hysteria2:// URIs;
// wireguard objects become a comment line the importer skips.
func structuredOutboundURI(obj map[string]any) (string, bool) {
	kind := strings.ToLower(firstNonEmpty(getString(obj, "type"), getString(obj, "protocol")))
	switch kind {
	case "hysteria2", "hy2":
		server := getString(obj, "server")
		if server == "" {
			return "", false
		}
		pass := firstNonEmpty(getString(obj, "password"), getString(obj, "auth"))
		port := getString(obj, "port")
		host := server
		if port != "" && !strings.Contains(server, ":") {
			host = server + ":" + port
		}
		tag := firstNonEmpty(getString(obj, "tag"), getString(obj, "name"))
		uri := "hysteria2://" + url.QueryEscape(pass) + "@" + host
		if tag != "" {
			uri += "#" + url.QueryEscape(tag)
		}
		return uri, true
	case "wireguard":
		tag := firstNonEmpty(getString(obj, "tag"), getString(obj, "name"))
		endpoint := firstNonEmpty(getString(obj, "endpoint"), getString(obj, "server"))
		return fmt.Sprintf("# Wireguard config: %s - %s", tag, endpoint), true
	}
	return "", false
}

// scanText collects URIs from arbitrary text with per-scheme regexes.
func scanText(text string) []string {
	var out []string
	for _, re := range schemeRegexps {
		out = append(out, re.FindAllString(text, -1)...)
	}
	return out
}

// extractClashProxies reconstructs URIs from a Clash "proxies:" list
// for the shapes that have a URI form.
func extractClashProxies(text string) []string {
	var doc struct {
		Proxies []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}
	var out []string
	for _, p := range doc.Proxies {
		if uri, ok := clashProxyURI(p); ok {
			out = append(out, uri)
		}
	}
	return out
}

func clashProxyURI(p map[string]any) (string, bool) {
	server := getString(p, "server")
	port := getString(p, "port")
	if server == "" || port == "" {
		return "", false
	}
	hostport := server + ":" + port
	name := getString(p, "name")
	frag := ""
	if name != "" {
		frag = "#" + url.QueryEscape(name)
	}

	switch strings.ToLower(getString(p, "type")) {
	case "ss":
		cipher := getString(p, "cipher")
		pass := getString(p, "password")
		if cipher == "" {
			return "", false
		}
		userinfo := base64.StdEncoding.EncodeToString([]byte(cipher + ":" + pass))
		return "ss://" + userinfo + "@" + hostport + frag, true
	case "trojan":
		pass := getString(p, "password")
		if pass == "" {
			return "", false
		}
		return "trojan://" + url.QueryEscape(pass) + "@" + hostport + frag, true
	case "vless":
		id := getString(p, "uuid")
		if id == "" {
			return "", false
		}
		q := url.Values{}
		if net := getString(p, "network"); net != "" {
			q.Set("type", net)
		}
		if sni := firstNonEmpty(getString(p, "servername"), getString(p, "sni")); sni != "" {
			q.Set("sni", sni)
			q.Set("security", "tls")
		}
		uri := "vless://" + id + "@" + hostport
		if enc := q.Encode(); enc != "" {
			uri += "?" + enc
		}
		return uri + frag, true
	case "vmess":
		id := getString(p, "uuid")
		if id == "" {
			return "", false
		}
		payload := map[string]any{
			"v":    "2",
			"ps":   name,
			"add":  server,
			"port": port,
			"id":   id,
			"aid":  getString(p, "alterId"),
			"net":  firstNonEmpty(getString(p, "network"), "tcp"),
			"type": "none",
		}
		if tls, _ := p["tls"].(bool); tls {
			payload["tls"] = "tls"
		}
		blob, err := json.Marshal(payload)
		if err != nil {
			return "", false
		}
		return "vmess://" + base64.StdEncoding.EncodeToString(blob), true
	}
	return "", false
}

// ---- shared helpers ----

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

func tryDecodeBase64ToText(data []byte) (string, bool) {
	compact := strings.Join(strings.Fields(string(data)), "")
	if !looksLikeBase64(compact) {
		return "", false
	}
	decoded, ok := decodeBase64Relaxed(compact)
	if !ok || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

func looksLikeBase64(s string) bool {
	if len(s) < 24 || len(s)%4 == 1 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return true
}

func looksLikeJSON(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch data[0] {
	case '{':
		return true
	case '[':
		// Avoid misclassifying bracketed IPv6 lines like [2001:db8::1]:8080.
		idx := 1
		for idx < len(data) {
			switch data[idx] {
			case ' ', '\t', '\r', '\n':
				idx++
				continue
			case '{', ']':
				return true
			default:
				return false
			}
		}
		return false
	default:
		return false
	}
}

func looksLikeClashYAML(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "proxies:") ||
		strings.Contains(lower, "\nproxies:")
}

// normalizeTextContent strips BOM, zero-width characters, and control
// characters that subscription providers leak into their feeds.
func normalizeTextContent(content string) string {
	content = strings.TrimPrefix(content, "\uFEFF")

	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		switch r {
		case '\u200B', '\u200C', '\u200D':
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupeInOrder(uris []string) []string {
	seen := make(map[string]struct{}, len(uris))
	out := uris[:0]
	for _, u := range uris {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
