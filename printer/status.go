package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// HTTPPort is the printer's status API port.
	HTTPPort = 8898
	// StatusPath is the status endpoint.
	StatusPath = "/detail"

	maxStatusBytes = 1 << 20
)

// StatusReply is the decoded /detail envelope.
type StatusReply struct {
	Code    int
	Message string
	Detail  map[string]any
}

// StatusClientConfig configures a StatusClient.
type StatusClientConfig struct {
	Host         string
	Port         int
	SerialNumber string
	CheckCode    string
	Method       string // http.MethodPost (default) or http.MethodGet
	Timeout      time.Duration
}

// StatusClient fetches printer status over HTTP. It performs exactly one
// request per FetchStatus call and never retries.
type StatusClient struct {
	cfg  StatusClientConfig
	http *http.Client
}

// NewStatusClient creates a status client. Zero values in cfg get defaults.
func NewStatusClient(cfg StatusClientConfig) *StatusClient {
	if cfg.Port <= 0 {
		cfg.Port = HTTPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       30 * time.Second,
	}
	return &StatusClient{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// URL returns the status endpoint URL.
func (c *StatusClient) URL() string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port)), StatusPath)
}

// WithCredentials returns a copy of the client using new credentials.
func (c *StatusClient) WithCredentials(serial, checkCode string) *StatusClient {
	cp := *c
	cp.cfg.SerialNumber = serial
	cp.cfg.CheckCode = checkCode
	return &cp
}

// FetchStatus performs one status request.
func (c *StatusClient) FetchStatus(ctx context.Context) (*StatusReply, error) {
	const op = "fetch status"

	req, err := c.newRequest(ctx)
	if err != nil {
		return nil, newError(KindConnection, op, fmt.Errorf("creating request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return nil, transportError(op, fmt.Errorf("reading response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindAuth, op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, newError(KindConnection, op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	return DecodeStatus(body)
}

func (c *StatusClient) newRequest(ctx context.Context) (*http.Request, error) {
	if c.cfg.Method == http.MethodGet {
		q := url.Values{}
		q.Set("serialNumber", c.cfg.SerialNumber)
		q.Set("checkCode", c.cfg.CheckCode)
		return http.NewRequestWithContext(ctx, http.MethodGet, c.URL()+"?"+q.Encode(), nil)
	}

	payload, err := json.Marshal(map[string]string{
		"serialNumber": c.cfg.SerialNumber,
		"checkCode":    c.cfg.CheckCode,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.URL(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

var authMessage = regexp.MustCompile(`(?i)check\s*code|serial|auth|unauthori[sz]ed|forbidden|permission`)

// DecodeStatus validates and decodes a raw /detail body. The printer sends a
// wrong content type, so the body is decoded regardless of headers.
func DecodeStatus(body []byte) (*StatusReply, error) {
	const op = "decode status"

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, newError(KindInvalidResponse, op, fmt.Errorf("decoding body: %w", err))
	}

	for _, key := range []string{"code", "message", "detail"} {
		if _, ok := raw[key]; !ok {
			return nil, newError(KindInvalidResponse, op, fmt.Errorf("missing top-level key %q", key))
		}
	}

	var reply StatusReply
	var code json.Number
	if err := json.Unmarshal(raw["code"], &code); err != nil {
		return nil, newError(KindInvalidResponse, op, fmt.Errorf("code: %w", err))
	}
	n, err := code.Int64()
	if err != nil {
		return nil, newError(KindInvalidResponse, op, fmt.Errorf("code %q: %w", code, err))
	}
	reply.Code = int(n)
	// A non-string message is tolerated; it only feeds diagnostics.
	_ = json.Unmarshal(raw["message"], &reply.Message)

	if reply.Code != 0 {
		if authMessage.MatchString(reply.Message) {
			return nil, newError(KindAuth, op, fmt.Errorf("printer rejected credentials (code %d): %s", reply.Code, reply.Message))
		}
		return nil, newError(KindInvalidResponse, op, fmt.Errorf("printer returned code %d: %s", reply.Code, reply.Message))
	}

	if err := json.Unmarshal(raw["detail"], &reply.Detail); err != nil || reply.Detail == nil {
		if err == nil {
			err = errors.New("detail is null")
		}
		return nil, newError(KindInvalidResponse, op, fmt.Errorf("detail is not an object: %w", err))
	}
	if _, ok := reply.Detail["status"]; !ok {
		return nil, newError(KindInvalidResponse, op, errors.New(`detail is missing "status"`))
	}

	return &reply, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
