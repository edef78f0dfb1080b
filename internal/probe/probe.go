// Package probe runs the external connectivity checker against one
// SOCKS5 inbound and interprets its JSON verdict. The checker is a
// separate binary so a wedged TLS handshake or a hostile endpoint can
// never take the pipeline down with it; the subprocess gets a hard
// deadline and is killed past it.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/outpost-proxy/outpost/internal/model"
)

// graceMargin is added on top of the checker's own timeout before the
// subprocess is killed outright.
const graceMargin = 15 * time.Second

// Result is the parsed verdict for one link.
type Result struct {
	OK        bool
	ErrorCode string // one of the model.Err* codes when !OK
	IP        string
	Country   string
	City      string
	ISP       string
}

// Runner checks one SOCKS5 endpoint. Tests swap in a stub; production
// uses New(...).Check.
type Runner func(ctx context.Context, socksURL string) (Result, error)

// Checker invokes the checker binary.
type Checker struct {
	Bin          string
	CheckTimeout time.Duration
}

func New(bin string, checkTimeout time.Duration) *Checker {
	if checkTimeout <= 0 {
		checkTimeout = 60 * time.Second
	}
	return &Checker{Bin: bin, CheckTimeout: checkTimeout}
}

// SocksURL builds the socks5h:// URL for one inbound. The 5h scheme
// makes the checker resolve hostnames through the proxy.
func SocksURL(user, pass, host string, port int) string {
	return fmt.Sprintf("socks5h://%s@%s:%d",
		url.UserPassword(user, pass).String(), host, port)
}

// Check runs the checker once. The outer deadline is the checker's own
// timeout plus graceMargin; hitting it reports a plain timeout.
func (c *Checker) Check(ctx context.Context, socksURL string) (Result, error) {
	deadline := c.CheckTimeout + graceMargin
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	out, err := exec.CommandContext(runCtx, c.Bin,
		"--socks5", socksURL,
		"--timeout", fmt.Sprint(int(c.CheckTimeout.Seconds())),
	).Output()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{ErrorCode: model.ErrTimeout}, nil
	}
	if ctx.Err() == context.Canceled {
		return Result{ErrorCode: model.ErrStopped}, nil
	}
	if err != nil && len(out) == 0 {
		return Result{}, fmt.Errorf("probe: run checker: %w", err)
	}
	return ParseOutput(out), nil
}

// ParseOutput maps the checker's JSON document to a Result. Anything
// unparseable counts as a parse failure, not an infrastructure error:
// the checker prints JSON even when the target is broken.
func ParseOutput(out []byte) Result {
	var doc map[string]any
	if err := json.Unmarshal(trimToJSON(out), &doc); err != nil {
		return Result{ErrorCode: model.ErrParse}
	}

	res := Result{
		IP:      str(doc, "IP address"),
		Country: str(doc, "Country"),
		City:    str(doc, "City"),
		ISP:     str(doc, "ISP"),
	}
	if res.IP == "" {
		// Some checker builds report only the resolved host.
		if rh, ok := doc["resolved_host"].(map[string]any); ok {
			res.IP = str(rh, "host")
		}
	}
	if strings.EqualFold(str(doc, "status"), "ok") && res.IP != "" {
		res.OK = true
		return res
	}
	res.ErrorCode = MapErrorType(str(doc, "error_type"))
	return res
}

// MapErrorType folds the checker's error_type vocabulary onto the
// stored error codes.
func MapErrorType(errorType string) string {
	et := strings.ToLower(strings.TrimSpace(errorType))
	switch et {
	case "":
		return model.ErrFail
	case "connection_timeout", "timeout":
		return model.ErrTimeout
	case "connection_failed", "connection_refused":
		return model.ErrConnect
	case "proxy_error":
		return model.ErrProxy
	case "tls_error":
		return model.ErrTLS
	case "http_error":
		return model.ErrHTTP
	case "captcha_or_antibot_challenge":
		return model.ErrAntibot
	case "badjson", "json_parse_failed":
		return model.ErrParse
	case "unknown":
		return model.ErrFail
	}
	// Unrecognized types keep their first token so new checker
	// vocabulary still lands in the database readably.
	if i := strings.IndexAny(et, " _"); i > 0 {
		return et[:i]
	}
	return et
}

// trimToJSON cuts leading log noise: the checker may print warnings
// before the JSON document.
func trimToJSON(out []byte) []byte {
	s := string(out)
	if i := strings.IndexByte(s, '{'); i > 0 {
		return []byte(s[i:])
	}
	return out
}

func str(doc map[string]any, key string) string {
	v, _ := doc[key].(string)
	return strings.TrimSpace(v)
}
