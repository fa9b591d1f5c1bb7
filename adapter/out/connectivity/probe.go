package connectivity

import (
	"context"
	"sync"
	"time"

	"history_server/core/port/out"
	"history_server/pkg/logger"
)

// =============================================================================
// Connectivity Probe
// =============================================================================

// Pinger is the health check the probe runs. The remote history store's
// Ping satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultProbeInterval is how often connectivity is re-checked.
const DefaultProbeInterval = 15 * time.Second

// Probe implements out.ConnectivityObserver by pinging the remote store on
// an interval. Subscribers are notified only on state transitions.
type Probe struct {
	pinger   Pinger
	clk      out.Clock
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewProbe(pinger Pinger, clk out.Clock, interval time.Duration, log *logger.Logger) *Probe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Probe{
		pinger:   pinger,
		clk:      clk,
		interval: interval,
		timeout:  5 * time.Second,
		log:      log,
		online:   true, // assume online until the first probe says otherwise
		subs:     make(map[int]func(bool)),
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing. The loop stops when ctx is canceled or Stop is
// called.
func (p *Probe) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-p.clk.After(p.interval):
				p.check(ctx)
			}
		}
	}()
}

func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Probe) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.pinger.Ping(pctx)
	cancel()

	p.set(err == nil)
}

func (p *Probe) set(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	var fns []func(bool)
	if changed {
		fns = make([]func(bool), 0, len(p.subs))
		for _, fn := range p.subs {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if online {
		p.log.Info("[Probe] connectivity restored")
	} else {
		p.log.Warn("[Probe] connectivity lost")
	}
	for _, fn := range fns {
		fn(online)
	}
}

func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Probe) Subscribe(fn func(online bool)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

var _ out.ConnectivityObserver = (*Probe)(nil)
