// Package connectivity reports whether the device can reach the network.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Observer reports connectivity and notifies subscribers of transitions.
type Observer interface {
	// Online reports the current state.
	Online() bool

	// OnChange registers fn to be called with the new state on every
	// transition. The returned cancel func unregisters it.
	OnChange(fn func(online bool)) (cancel func())
}

// subscribers is the listener bookkeeping shared by observers.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) notify(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Manual is an Observer whose state is set by the host application,
// typically from a platform reachability callback.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   subscribers
}

// NewManual returns a Manual observer with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// Online implements Observer.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange implements Observer.
func (m *Manual) OnChange(fn func(bool)) func() {
	return m.subs.add(fn)
}

// Set updates the state and notifies subscribers if it changed.
// Subscribers run synchronously on the caller's goroutine.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.subs.notify(online)
	}
}

// AlwaysOnline returns an observer that never goes offline.
func AlwaysOnline() Observer {
	return NewManual(true)
}

// ProbeFunc checks connectivity once.
type ProbeFunc func(ctx context.Context) bool

// DefaultPollInterval is the Poller interval used when none is given.
const DefaultPollInterval = 15 * time.Second

// Poller is an Observer that runs a probe on an interval.
type Poller struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	state    *Manual

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller returns a Poller. It assumes online until the first probe.
// A zero interval uses DefaultPollInterval.
func NewPoller(probe ProbeFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		probe:    probe,
		interval: interval,
		timeout:  interval / 2,
		state:    NewManual(true),
	}
}

// Online implements Observer.
func (p *Poller) Online() bool { return p.state.Online() }

// OnChange implements Observer.
func (p *Poller) OnChange(fn func(bool)) func() { return p.state.OnChange(fn) }

// Start probes immediately and then on every interval until ctx is done
// or Stop is called. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx, p.done)
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	online := p.probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	p.state.Set(online)
}
