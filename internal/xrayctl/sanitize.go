package xrayctl

// Stored configs come from many generators and some carry fields the
// live API rejects even though file-based config accepts them. The
// sanitizer rewrites those in place before an outbound is pushed.

// SanitizeOutbound returns a deep copy of the outbound with the known
// API-hostile constructs removed.
func SanitizeOutbound(outbound map[string]any) map[string]any {
	clean, _ := deepCopy(outbound).(map[string]any)
	if clean == nil {
		return map[string]any{}
	}
	stripNoneFingerprint(clean)
	if stream, ok := clean["streamSettings"].(map[string]any); ok {
		normalizeTCPHeader(stream, "tcpSettings")
		normalizeTCPHeader(stream, "rawSettings")
	}
	return clean
}

// stripNoneFingerprint removes every "fingerprint": "none" entry,
// recursively. The API treats "none" as an unknown uTLS preset and
// rejects the whole outbound.
func stripNoneFingerprint(node any) {
	switch t := node.(type) {
	case map[string]any:
		if fp, ok := t["fingerprint"].(string); ok && fp == "none" {
			delete(t, "fingerprint")
		}
		for _, v := range t {
			stripNoneFingerprint(v)
		}
	case []any:
		for _, v := range t {
			stripNoneFingerprint(v)
		}
	}
}

// normalizeTCPHeader rewrites the header object of a TCP-family
// transport: an absent or unknown header type collapses to
// {"type":"none"}, and an http header keeps only the shape the API
// schema accepts.
func normalizeTCPHeader(stream map[string]any, key string) {
	tcp, ok := stream[key].(map[string]any)
	if !ok {
		return
	}
	header, ok := tcp["header"].(map[string]any)
	if !ok {
		return
	}
	headerType, _ := header["type"].(string)
	switch headerType {
	case "http":
		request, _ := header["request"].(map[string]any)
		if request == nil {
			request = map[string]any{}
		}
		response, _ := header["response"].(map[string]any)
		if response == nil {
			response = map[string]any{}
		}
		tcp["header"] = map[string]any{
			"type":     "http",
			"request":  request,
			"response": response,
		}
	case "none":
		tcp["header"] = map[string]any{"type": "none"}
	default:
		tcp["header"] = map[string]any{"type": "none"}
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
