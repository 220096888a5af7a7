// Package coordinator owns the printer snapshot: it polls status, runs
// auxiliary control-port queries, retries commands and keeps bounded
// command and error histories for diagnostics.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/john/flashforge_bridge/history"
	"github.com/john/flashforge_bridge/printer"
)

const (
	excerptLen     = 200
	cameraPort     = 8080
	refreshFlight  = "refresh"
	defaultHistory = 20
)

// StatusFetcher is implemented by *printer.StatusClient.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (*printer.StatusReply, error)
}

// Commander is implemented by *printer.CommandClient.
type Commander interface {
	Send(ctx context.Context, command string) (string, error)
}

// Phase is the coarse printer state derived from the last status.
type Phase string

const (
	PhaseUnknown  Phase = "unknown"
	PhaseIdle     Phase = "idle"
	PhasePrinting Phase = "printing"
	PhasePaused   Phase = "paused"
	PhaseError    Phase = "error"
)

// Config holds the per-printer coordinator settings.
type Config struct {
	Name string
	Host string

	IdleInterval     time.Duration
	PrintingInterval time.Duration
	FailureThreshold int

	CommandAttempts int
	RetryDelay      time.Duration
	RetryFactor     float64
	MaxRetryDelay   time.Duration

	CommandHistory int
	ErrorHistory   int

	QueryEndstops    bool
	QueryPosition    bool
	QueryBedLeveling bool
	QueryFiles       bool

	DisabledActions  []string
	PrintingStatuses []string
	PausedStatuses   []string
	ErrorStatuses    []string
}

// DefaultConfig returns the stock settings for host.
func DefaultConfig(host string) Config {
	return Config{
		Name:             host,
		Host:             host,
		IdleInterval:     10 * time.Second,
		PrintingInterval: 2 * time.Second,
		FailureThreshold: 3,
		CommandAttempts:  3,
		RetryDelay:       2 * time.Second,
		RetryFactor:      1.5,
		MaxRetryDelay:    10 * time.Second,
		CommandHistory:   defaultHistory,
		ErrorHistory:     defaultHistory,
		QueryEndstops:    true,
		QueryPosition:    true,
		QueryBedLeveling: true,
		QueryFiles:       true,
		DisabledActions:  []string{ActionDeleteFile},
		PrintingStatuses: []string{"BUILDING", "PRINTING", "RUNNING"},
		PausedStatuses:   []string{"PAUSED"},
		ErrorStatuses:    []string{"ERROR", "FAILED", "FATAL"},
	}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Status   StatusFetcher
	Commands Commander
	Logger   *slog.Logger
	// NewStatus builds a fetcher for new credentials; used by UpdateCredentials.
	NewStatus func(serial, checkCode string) StatusFetcher
}

// CommandRecord is one command attempt.
type CommandRecord struct {
	Command  string    `json:"command"`
	At       time.Time `json:"at"`
	Attempt  int       `json:"attempt"`
	Success  bool      `json:"success"`
	Response string    `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ErrorRecord is one recorded failure.
type ErrorRecord struct {
	Kind    printer.Kind `json:"kind"`
	At      time.Time    `json:"at"`
	Message string       `json:"message"`
}

// UpdateKind tells listeners what triggered an Update.
type UpdateKind string

const (
	UpdateRefresh UpdateKind = "refresh"
	UpdateCommand UpdateKind = "command"
)

// Update is delivered to OnUpdate listeners.
type Update struct {
	Kind      UpdateKind       `json:"kind"`
	Snapshot  printer.Snapshot `json:"snapshot"`
	Phase     Phase            `json:"phase"`
	Connected bool             `json:"connected"`
	Command   *CommandRecord   `json:"command,omitempty"`
	Err       error            `json:"-"`
}

// Diagnostics is the support dump.
type Diagnostics struct {
	Name              string           `json:"name"`
	Host              string           `json:"host"`
	Phase             Phase            `json:"phase"`
	Connected         bool             `json:"connected"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
	AuthFailed        bool             `json:"auth_failed"`
	Interval          string           `json:"interval"`
	LastSuccess       time.Time        `json:"last_success"`
	LastError         string           `json:"last_error,omitempty"`
	TotalCommands     uint64           `json:"total_commands"`
	TotalErrors       uint64           `json:"total_errors"`
	Commands          []CommandRecord  `json:"commands"`
	Errors            []ErrorRecord    `json:"errors"`
	Snapshot          printer.Snapshot `json:"snapshot"`
}

// Coordinator is the single owner of one printer's snapshot. All methods are
// safe for concurrent use.
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	commands Commander
	newFetch func(serial, checkCode string) StatusFetcher

	flight singleflight.Group
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu          sync.RWMutex
	status      StatusFetcher
	snapshot    printer.Snapshot
	phase       Phase
	connected   bool
	consecutive int
	interval    time.Duration
	authErr     error
	lastErr     error
	lastSuccess time.Time

	cmdHistory *history.Ring[CommandRecord]
	errHistory *history.Ring[ErrorRecord]

	listenersMu sync.RWMutex
	listeners   []func(Update)
}

// New creates a Coordinator. Status is required; Commands may be nil, in
// which case auxiliary queries are skipped and commands fail.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Status == nil {
		return nil, errors.New("coordinator: status fetcher is required")
	}
	def := DefaultConfig(cfg.Host)
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.PrintingInterval <= 0 {
		cfg.PrintingInterval = def.PrintingInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CommandAttempts <= 0 {
		cfg.CommandAttempts = def.CommandAttempts
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = def.RetryFactor
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Host
	}
	if cfg.PrintingStatuses == nil {
		cfg.PrintingStatuses = def.PrintingStatuses
	}
	if cfg.PausedStatuses == nil {
		cfg.PausedStatuses = def.PausedStatuses
	}
	if cfg.ErrorStatuses == nil {
		cfg.ErrorStatuses = def.ErrorStatuses
	}
	cfg.PrintingStatuses = normalizeStatuses(cfg.PrintingStatuses)
	cfg.PausedStatuses = normalizeStatuses(cfg.PausedStatuses)
	cfg.ErrorStatuses = normalizeStatuses(cfg.ErrorStatuses)

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:        cfg,
		log:        logger.With("printer", cfg.Name),
		commands:   deps.Commands,
		newFetch:   deps.NewStatus,
		sleep:      sleepCtx,
		now:        time.Now,
		status:     deps.Status,
		snapshot:   printer.NewSnapshot(),
		phase:      PhaseUnknown,
		interval:   cfg.IdleInterval,
		cmdHistory: history.New[CommandRecord](cfg.CommandHistory),
		errHistory: history.New[ErrorRecord](cfg.ErrorHistory),
	}, nil
}

// Name returns the configured printer name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// OnUpdate registers fn to be called after every refresh and command.
// Listeners run synchronously on the calling goroutine and must not block.
func (c *Coordinator) OnUpdate(fn func(Update)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notify(u Update) {
	c.listenersMu.RLock()
	fns := slices.Clone(c.listeners)
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (c *Coordinator) update(kind UpdateKind, rec *CommandRecord, err error) Update {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Update{
		Kind:      kind,
		Snapshot:  cloneSnapshot(c.snapshot),
		Phase:     c.phase,
		Connected: c.connected,
		Command:   rec,
		Err:       err,
	}
}

// Refresh polls the printer once. Concurrent calls share one poll.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do(refreshFlight, func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

// auxResult holds the control-port query results of one refresh. The ok
// flags mark which queries produced a reply; fields without one keep their
// previous value.
type auxResult struct {
	position      printer.Position
	positionOK    bool
	endstops      printer.EndstopReport
	endstopsOK    bool
	bedLeveling   printer.Tristate
	bedLevelingOK bool
	files         []string
	filesOK       bool
}

// merge fills snap from the results, falling back to prev for queries that
// were disabled or failed.
func (a *auxResult) merge(snap *printer.Snapshot, prev printer.Snapshot) {
	snap.Position = prev.Position
	if a.positionOK {
		snap.Position = a.position
	}
	snap.Endstops = prev.Endstops
	if a.endstopsOK {
		snap.Endstops = a.endstops
	}
	snap.BedLeveling = prev.BedLeveling
	if a.bedLevelingOK {
		snap.BedLeveling = a.bedLeveling
	}
	// Listing is slow to change; keep the last one.
	snap.PrintableFiles = prev.PrintableFiles
	if a.filesOK {
		snap.PrintableFiles = a.files
	}
}

func (c *Coordinator) refresh(ctx context.Context) error {
	c.mu.RLock()
	authErr := c.authErr
	fetcher := c.status
	c.mu.RUnlock()

	if authErr != nil {
		c.log.Debug("skipping refresh until credentials are updated")
		return authErr
	}

	var (
		reply *printer.StatusReply
		aux   auxResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reply, err = fetcher.FetchStatus(gctx)
		return err
	})
	c.queryAux(gctx, g, &aux)

	if err := g.Wait(); err != nil {
		c.refreshFailed(err)
		return err
	}

	snap := printer.ParseStatus(reply.Detail, c.log)
	code := reply.Code
	snap.Code = &code
	snap.Message = reply.Message
	snap.Fetched = true
	snap.Connected = true
	snap.FetchedAt = c.now()
	if snap.CameraStreamURL == "" && c.cfg.Host != "" {
		snap.CameraStreamURL = fmt.Sprintf("http://%s:%d/?action=stream", c.cfg.Host, cameraPort)
	}

	c.mu.Lock()
	aux.merge(&snap, c.snapshot)
	prevPhase := c.phase
	c.snapshot = snap
	c.consecutive = 0
	c.connected = true
	c.lastErr = nil
	c.lastSuccess = snap.FetchedAt
	c.phase = c.phaseFor(snap.Status)
	c.interval = c.intervalFor(snap.Status)
	phase, interval := c.phase, c.interval
	c.mu.Unlock()

	if phase != prevPhase {
		c.log.Info("printer phase changed", "from", prevPhase, "to", phase, "status", snap.Status)
	}
	c.log.Debug("refresh complete", "status", snap.Status, "interval", interval)
	c.notify(c.update(UpdateRefresh, nil, nil))
	return nil
}

// queryAux adds the best-effort control-port queries to g. Their failures
// are recorded but never fail the group.
func (c *Coordinator) queryAux(ctx context.Context, g *errgroup.Group, aux *auxResult) {
	if c.commands == nil {
		return
	}
	run := func(enabled bool, cmd string, parse func(reply string)) {
		if !enabled {
			return
		}
		g.Go(func() error {
			reply, err := c.commands.Send(ctx, cmd)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("auxiliary query failed", "command", cmd, "error", err)
					c.recordError(err)
				}
				return nil
			}
			parse(reply)
			return nil
		})
	}

	run(c.cfg.QueryEndstops, printer.CmdEndstops, func(r string) {
		aux.endstops = printer.ParseEndstops(r, c.log)
		aux.endstopsOK = true
	})
	run(c.cfg.QueryPosition, printer.CmdPosition, func(r string) {
		aux.position = printer.ParsePosition(r, c.log)
		aux.positionOK = true
	})
	run(c.cfg.QueryBedLeveling, printer.CmdBedLevelState, func(r string) {
		aux.bedLeveling = printer.ParseBedLeveling(r, c.log)
		aux.bedLevelingOK = true
	})
	run(c.cfg.QueryFiles, printer.CmdListFiles, func(r string) {
		aux.files = printer.ParseFileList(r, c.log)
		aux.filesOK = true
	})
}

func (c *Coordinator) refreshFailed(err error) {
	kind := printer.KindOf(err)

	c.mu.Lock()
	c.consecutive++
	c.lastErr = err
	stale := c.snapshot
	stale.Stale = true
	if kind == printer.KindAuth {
		c.authErr = err
		c.connected = false
		c.phase = PhaseError
	} else if c.consecutive >= c.cfg.FailureThreshold {
		c.connected = false
		c.phase = PhaseError
	}
	stale.Connected = c.connected
	c.snapshot = stale
	consecutive := c.consecutive
	c.mu.Unlock()

	c.recordError(err)
	if kind == printer.KindAuth {
		c.log.Error("printer rejected credentials, polling suspended", "error", err)
	} else {
		c.log.Warn("refresh failed, serving stale snapshot", "error", err, "consecutive_errors", consecutive)
	}
	c.notify(c.update(UpdateRefresh, nil, err))
}

func (c *Coordinator) recordError(err error) {
	kind := printer.KindOf(err)
	if kind == "" {
		kind = printer.KindConnection
	}
	c.errHistory.Push(ErrorRecord{Kind: kind, At: c.now(), Message: err.Error()})
}

// UpdateCredentials swaps the status fetcher and clears a stored auth failure.
func (c *Coordinator) UpdateCredentials(serial, checkCode string) error {
	if c.newFetch == nil {
		return errors.New("coordinator: credentials cannot be changed")
	}
	fetcher := c.newFetch(serial, checkCode)

	c.mu.Lock()
	c.status = fetcher
	c.authErr = nil
	c.consecutive = 0
	c.mu.Unlock()

	c.log.Info("credentials updated, polling resumed")
	return nil
}

// SendCommand sends cmd with retries. An attempt fails on a transport error or
// a reply without the ok line. Every attempt is recorded.
func (c *Coordinator) SendCommand(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	if c.commands == nil {
		return "", &printer.Error{Kind: printer.KindCommand, Op: "command " + cmd, Err: errors.New("no control port configured")}
	}

	bo := NewBackoff(c.cfg.RetryDelay, c.cfg.MaxRetryDelay, c.cfg.RetryFactor)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.CommandAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, bo.Next()); err != nil {
				lastErr = fmt.Errorf("%w (gave up waiting to retry: %w)", lastErr, err)
				break
			}
		}

		reply, err := c.commands.Send(ctx, cmd)
		if err == nil && !printer.Acknowledged(reply) {
			err = fmt.Errorf("reply not acknowledged: %q", excerpt(reply, 80))
		}

		rec := CommandRecord{
			Command:  cmd,
			At:       c.now(),
			Attempt:  attempt,
			Success:  err == nil,
			Response: excerpt(reply, excerptLen),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		c.cmdHistory.Push(rec)

		if err == nil {
			c.log.Info("command sent", "command", cmd, "attempt", attempt)
			c.notify(c.update(UpdateCommand, &rec, nil))
			return reply, nil
		}
		lastErr = err
		c.log.Warn("command attempt failed", "command", cmd, "attempt", attempt, "max_attempts", c.cfg.CommandAttempts, "error", err)
	}

	cmdErr := &printer.Error{Kind: printer.KindCommand, Op: "command " + cmd, Err: lastErr}
	c.recordError(cmdErr)
	c.log.Error("command failed", "command", cmd, "error", cmdErr)
	last, _ := c.cmdHistory.Last()
	c.notify(c.update(UpdateCommand, &last, cmdErr))
	return "", cmdErr
}

// normalizeStatuses upper-cases and trims a configured status list to match
// the form ParseStatus produces.
func normalizeStatuses(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) phaseFor(status string) Phase {
	s := strings.ToUpper(status)
	switch {
	case slices.Contains(c.cfg.PrintingStatuses, s):
		return PhasePrinting
	case slices.Contains(c.cfg.PausedStatuses, s):
		return PhasePaused
	case slices.Contains(c.cfg.ErrorStatuses, s):
		return PhaseError
	case s == "" || s == printer.StatusUnknown:
		return PhaseUnknown
	default:
		return PhaseIdle
	}
}

func (c *Coordinator) intervalFor(status string) time.Duration {
	if slices.Contains(c.cfg.PrintingStatuses, strings.ToUpper(status)) {
		return c.cfg.PrintingInterval
	}
	return c.cfg.IdleInterval
}

// IsPrinting reports whether the current status is printing-like.
func (c *Coordinator) IsPrinting() bool {
	return c.Phase() == PhasePrinting
}

// Interval is the delay before the next poll.
func (c *Coordinator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// Snapshot returns a copy of the latest snapshot.
func (c *Coordinator) Snapshot() printer.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSnapshot(c.snapshot)
}

func (c *Coordinator) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ErrorCount is the number of consecutive failed refreshes.
func (c *Coordinator) ErrorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consecutive
}

func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Commands returns the command history, oldest first.
func (c *Coordinator) Commands() []CommandRecord {
	return c.cmdHistory.Items()
}

// Errors returns the error history, oldest first.
func (c *Coordinator) Errors() []ErrorRecord {
	return c.errHistory.Items()
}

func (c *Coordinator) Diagnostics() Diagnostics {
	c.mu.RLock()
	d := Diagnostics{
		Name:              c.cfg.Name,
		Host:              c.cfg.Host,
		Phase:             c.phase,
		Connected:         c.connected,
		ConsecutiveErrors: c.consecutive,
		AuthFailed:        c.authErr != nil,
		Interval:          c.interval.String(),
		LastSuccess:       c.lastSuccess,
		Snapshot:          cloneSnapshot(c.snapshot),
	}
	if c.lastErr != nil {
		d.LastError = c.lastErr.Error()
	}
	c.mu.RUnlock()

	d.Commands = c.cmdHistory.Items()
	d.Errors = c.errHistory.Items()
	d.TotalCommands = c.cmdHistory.Total()
	d.TotalErrors = c.errHistory.Total()
	return d
}

func cloneSnapshot(s printer.Snapshot) printer.Snapshot {
	s.PrintableFiles = slices.Clone(s.PrintableFiles)
	return s
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
