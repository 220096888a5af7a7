package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Refresher is what a Poller drives; *Coordinator implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
	Interval() time.Duration
}

// Poller calls Refresh once at start and then again after each Interval.
// The interval is re-read after every tick, so a status change moves the
// next poll, not the current one.
type Poller struct {
	target  Refresher
	timeout time.Duration
	log     *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewPoller creates a poller. timeout bounds each Refresh; zero means none.
func NewPoller(target Refresher, timeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		target:  target,
		timeout: timeout,
		log:     logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins polling in a goroutine. It does nothing after Stop.
func (p *Poller) Start() {
	if p.stopped() {
		return
	}
	if p.started.CompareAndSwap(false, true) {
		go p.run()
	}
}

// Stop halts the loop and waits for it to exit. An in-flight Refresh is
// allowed to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *Poller) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Poller) run() {
	defer close(p.done)

	if p.stopped() {
		return
	}
	// Initial poll
	p.poll()

	timer := time.NewTimer(p.target.Interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.poll()
			timer.Reset(p.target.Interval())
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) poll() {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.target.Refresh(ctx); err != nil {
		p.log.Debug("poll failed", "error", err)
	}
}
