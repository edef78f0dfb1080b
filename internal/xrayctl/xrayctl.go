// Package xrayctl drives a running Xray-core instance through its
// `xray api` command line. Inbounds, outbounds, and routing rules are
// added and removed against the gRPC API endpoint; payloads travel via
// temp files because the CLI only reads config from disk.
package xrayctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one CLI invocation and returns its combined output.
// Tests swap in a fake; production uses ExecRunner.
type Runner func(ctx context.Context, bin string, args ...string) (string, error)

// ExecRunner runs the real binary.
func ExecRunner(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return string(out), err
}

// DefaultAPIPorts are probed in order when no API server is configured.
// 10085 is the conventional Xray stats/handler port.
var DefaultAPIPorts = []int{10085, 8080, 11111}

const (
	probeTimeout = 3 * time.Second
	callTimeout  = 20 * time.Second
)

// Client issues handler and routing mutations against one API server.
type Client struct {
	Bin    string
	Server string // host:port of the Xray API listener
	Run    Runner
}

// New builds a client; a nil runner means the real binary.
func New(bin, server string, run Runner) *Client {
	if run == nil {
		run = ExecRunner
	}
	return &Client{Bin: bin, Server: server, Run: run}
}

// DetectAPIServer finds a responding API listener on localhost by
// issuing `lso` against the conventional ports. Returns the first
// host:port that answers with valid JSON; a zero exit with garbage on
// stdout is not an API server.
func DetectAPIServer(ctx context.Context, bin string, run Runner) (string, error) {
	if run == nil {
		run = ExecRunner
	}
	for _, port := range DefaultAPIPorts {
		server := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		out, err := run(probeCtx, bin, "api", "lso", "--server="+server)
		cancel()
		if err == nil && json.Valid([]byte(strings.TrimSpace(out))) {
			return server, nil
		}
	}
	return "", fmt.Errorf("xrayctl: no API server answered on ports %v", DefaultAPIPorts)
}

func (c *Client) api(ctx context.Context, sub string, extra ...string) (string, error) {
	args := append([]string{"api", sub, "--server=" + c.Server}, extra...)
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	out, err := c.Run(callCtx, c.Bin, args...)
	if err != nil {
		return out, fmt.Errorf("xrayctl: %s: %w (output: %s)", sub, err, strings.TrimSpace(out))
	}
	return out, nil
}

// apiWithPayload writes doc to a temp file and passes its path as the
// final argument, the way `adi`/`ado` expect a config file.
func (c *Client) apiWithPayload(ctx context.Context, sub string, doc any) (string, error) {
	blob, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("xrayctl: marshal %s payload: %w", sub, err)
	}
	f, err := os.CreateTemp("", "xrayctl-*.json")
	if err != nil {
		return "", fmt.Errorf("xrayctl: temp payload: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return "", fmt.Errorf("xrayctl: write payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("xrayctl: close payload: %w", err)
	}
	return c.api(ctx, sub, path)
}

// AddInbound registers one inbound handler. A tag conflict (left over
// from a crashed run) is resolved by removing the stale handler and
// re-adding once.
func (c *Client) AddInbound(ctx context.Context, inbound map[string]any) error {
	out, err := c.apiWithPayload(ctx, "adi", map[string]any{"inbounds": []any{inbound}})
	if err != nil && alreadyExists(out) {
		tag, _ := inbound["tag"].(string)
		if rmErr := c.RemoveInbound(ctx, tag); rmErr != nil {
			return rmErr
		}
		_, err = c.apiWithPayload(ctx, "adi", map[string]any{"inbounds": []any{inbound}})
	}
	return err
}

// AddOutbound registers one outbound handler, resolving a tag conflict
// the same way AddInbound does.
func (c *Client) AddOutbound(ctx context.Context, outbound map[string]any) error {
	out, err := c.apiWithPayload(ctx, "ado", map[string]any{"outbounds": []any{outbound}})
	if err != nil && alreadyExists(out) {
		tag, _ := outbound["tag"].(string)
		if rmErr := c.RemoveOutbound(ctx, tag); rmErr != nil {
			return rmErr
		}
		_, err = c.apiWithPayload(ctx, "ado", map[string]any{"outbounds": []any{outbound}})
	}
	return err
}

// RemoveInbound removes an inbound by tag. A tag the server does not
// know is not an error.
func (c *Client) RemoveInbound(ctx context.Context, tag string) error {
	out, err := c.api(ctx, "rmi", tag)
	if err != nil && !notFound(out, err) {
		return err
	}
	return nil
}

// RemoveOutbound removes an outbound by tag, tolerating not-found.
func (c *Client) RemoveOutbound(ctx context.Context, tag string) error {
	out, err := c.api(ctx, "rmo", tag)
	if err != nil && !notFound(out, err) {
		return err
	}
	return nil
}

// AddRule appends one routing rule. append=true merges into the live
// routing table instead of replacing it.
func (c *Client) AddRule(ctx context.Context, rule map[string]any) error {
	blob, err := json.Marshal(map[string]any{
		"routing": map[string]any{"rules": []any{rule}},
	})
	if err != nil {
		return fmt.Errorf("xrayctl: marshal rule: %w", err)
	}
	f, err := os.CreateTemp("", "xrayctl-rule-*.json")
	if err != nil {
		return fmt.Errorf("xrayctl: temp rule: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return fmt.Errorf("xrayctl: write rule: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("xrayctl: close rule: %w", err)
	}
	_, err = c.api(ctx, "adrules", "--append", path)
	return err
}

// RemoveRule deletes routing rules by ruleTag, tolerating not-found.
func (c *Client) RemoveRule(ctx context.Context, ruleTag string) error {
	out, err := c.api(ctx, "rmrules", ruleTag)
	if err != nil && !notFound(out, err) {
		return err
	}
	return nil
}

// ListInbounds returns the raw `lsi` output.
func (c *Client) ListInbounds(ctx context.Context) (string, error) {
	return c.api(ctx, "lsi")
}

// ListOutbounds returns the raw `lso` output.
func (c *Client) ListOutbounds(ctx context.Context) (string, error) {
	return c.api(ctx, "lso")
}

func notFound(out string, err error) bool {
	combined := strings.ToUpper(out + " " + err.Error())
	return strings.Contains(combined, "NOT_FOUND") ||
		strings.Contains(combined, "NOTFOUND") ||
		strings.Contains(combined, "NOT FOUND")
}

func alreadyExists(out string) bool {
	return strings.Contains(strings.ToLower(out), "already exist")
}
