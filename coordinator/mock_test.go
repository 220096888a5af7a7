package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/john/flashforge_bridge/printer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockFetcher implements StatusFetcher for testing.
type MockFetcher struct {
	mu      sync.Mutex
	calls   int
	FetchFn func(ctx context.Context) (*printer.StatusReply, error)
}

func (m *MockFetcher) FetchStatus(ctx context.Context) (*printer.StatusReply, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.FetchFn != nil {
		return m.FetchFn(ctx)
	}
	return statusReply(map[string]any{"status": "READY"}), nil
}

func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockCommander implements Commander for testing. Sent commands are recorded
// in order.
type MockCommander struct {
	mu     sync.Mutex
	sent   []string
	SendFn func(ctx context.Context, cmd string) (string, error)
}

func (m *MockCommander) Send(ctx context.Context, cmd string) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, cmd)
	m.mu.Unlock()
	if m.SendFn != nil {
		return m.SendFn(ctx, cmd)
	}
	return "CMD " + cmd + " Received.\r\nok", nil
}

func (m *MockCommander) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func statusReply(detail map[string]any) *printer.StatusReply {
	return &printer.StatusReply{Code: 0, Message: "Success", Detail: detail}
}

// newTestCoordinator builds a coordinator with aux queries off and no retry
// sleeps. Delays requested between attempts are appended to *delays when
// delays is non-nil.
func newTestCoordinator(t *testing.T, cfg Config, f *MockFetcher, cmd *MockCommander, delays *[]time.Duration) *Coordinator {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "192.168.1.50"
	}
	deps := Deps{Status: f, Logger: quiet}
	if cmd != nil {
		deps.Commands = cmd
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)

	var mu sync.Mutex
	c.sleep = func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			mu.Lock()
			*delays = append(*delays, d)
			mu.Unlock()
		}
		return ctx.Err()
	}
	return c
}

// baseConfig is DefaultConfig with auxiliary queries disabled.
func baseConfig() Config {
	cfg := DefaultConfig("192.168.1.50")
	cfg.QueryEndstops = false
	cfg.QueryPosition = false
	cfg.QueryBedLeveling = false
	cfg.QueryFiles = false
	return cfg
}
