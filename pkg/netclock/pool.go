package netclock

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Pool owns one association per configured server and fans their samples
// into a single channel.
type Pool struct {
	clock     Clock
	transport Transport
	samples   chan Sample
	stop      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	order   []string
	entries map[string]*poolEntry
	started bool
	closed  bool
}

type poolEntry struct {
	association *Association
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewPool(clock Clock, transport Transport) *Pool {
	return &Pool{
		clock:     clock,
		transport: transport,
		samples:   make(chan Sample, NSTAGE),
		stop:      make(chan struct{}),
		entries:   map[string]*poolEntry{},
	}
}

// Start launches every association added so far. Servers added later start
// immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	p.ctx = ctx
	p.started = true
	for _, endpoint := range p.order {
		p.launch(p.entries[endpoint])
	}
	return nil
}

func (p *Pool) Add(endpoint string, policy PollPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.entries[endpoint]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, endpoint)
	}

	entry := &poolEntry{
		association: NewAssociation(endpoint, policy, p.clock, p.transport),
		done:        make(chan struct{}),
	}
	p.entries[endpoint] = entry
	p.order = append(p.order, endpoint)
	if p.started {
		p.launch(entry)
	}

	info("added server", "endpoint", endpoint)
	return nil
}

// launch must be called with mu held.
func (p *Pool) launch(entry *poolEntry) {
	ctx, cancel := context.WithCancel(p.ctx)
	entry.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(entry.done)
		entry.association.Run(ctx, p.stop, p.samples)
	}()
}

// Remove cancels the server's association, outstanding exchange included,
// and returns once its goroutine has exited.
func (p *Pool) Remove(endpoint string) error {
	p.mu.Lock()
	entry, ok := p.entries[endpoint]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, endpoint)
	}
	delete(p.entries, endpoint)
	p.order = slices.DeleteFunc(p.order, func(e string) bool { return e == endpoint })
	p.mu.Unlock()

	if entry.cancel != nil {
		entry.cancel()
		<-entry.done
	}

	info("removed server", "endpoint", endpoint)
	return nil
}

// Samples is closed after Shutdown returns.
func (p *Pool) Samples() <-chan Sample {
	return p.samples
}

func (p *Pool) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.order)
}

// Reachability maps every configured server to whether it is currently
// reachable.
func (p *Pool) Reachability() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	reachable := make(map[string]bool, len(p.entries))
	for endpoint, entry := range p.entries {
		reachable[endpoint] = entry.association.Reachable()
	}
	return reachable
}

func (p *Pool) Status() []AssociationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := make([]AssociationStatus, 0, len(p.order))
	for _, endpoint := range p.order {
		status = append(status, p.entries[endpoint].association.Status())
	}
	return status
}

// Shutdown stops new polls from starting and waits for outstanding
// exchanges to finish. When ctx expires first, every association is
// cancelled outright. The samples channel is closed before returning.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		warn("shutdown deadline reached, cancelling outstanding polls")
		for _, entry := range entries {
			if entry.cancel != nil {
				entry.cancel()
			}
		}
		<-done
	}

	for _, entry := range entries {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	close(p.samples)
	return err
}
