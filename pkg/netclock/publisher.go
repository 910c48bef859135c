package netclock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type PublisherState int32

const (
	Uninitialized PublisherState = iota
	Provisional
	Refined
)

func (s PublisherState) String() string {
	switch s {
	case Provisional:
		return "provisional"
	case Refined:
		return "refined"
	default:
		return "uninitialized"
	}
}

// Estimate is the engine's current belief about the offset between the
// local clock and network time.
type Estimate struct {
	Offset     time.Duration
	Confidence float64
	AsOf       time.Time
	Servers    int
	Stale      bool
	Degraded   bool
}

type Notification struct {
	Estimate
	State PublisherState
}

type PublisherConfig struct {
	// HighWater is the confidence at which the state becomes Refined.
	HighWater float64
	// MinChange is the smallest offset movement that notifies subscribers.
	MinChange time.Duration
}

var DefaultPublisherConfig = PublisherConfig{
	HighWater: 0.8,
	MinChange: time.Millisecond,
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.HighWater <= 0 || c.HighWater > 1 {
		c.HighWater = DefaultPublisherConfig.HighWater
	}
	if c.MinChange <= 0 {
		c.MinChange = DefaultPublisherConfig.MinChange
	}
	return c
}

// Publisher holds the latest estimate. Reads never block; writes are
// serialized and fan out to subscribers.
type Publisher struct {
	config   PublisherConfig
	clock    Clock
	estimate atomic.Pointer[Estimate]
	state    atomic.Int32

	mu          sync.Mutex
	subscribers map[uuid.UUID]*Subscription
	notified    *Estimate
}

func NewPublisher(config PublisherConfig, clock Clock) *Publisher {
	return &Publisher{
		config:      config.withDefaults(),
		clock:       clock,
		subscribers: map[uuid.UUID]*Subscription{},
	}
}

// Now is the local clock corrected by the published offset. Before the
// first estimate it is the local clock.
func (p *Publisher) Now() time.Time {
	return p.clock.Now().Add(p.Offset())
}

func (p *Publisher) Offset() time.Duration {
	if e := p.estimate.Load(); e != nil {
		return e.Offset
	}
	return 0
}

func (p *Publisher) Current() (Estimate, bool) {
	if e := p.estimate.Load(); e != nil {
		return *e, true
	}
	return Estimate{}, false
}

func (p *Publisher) State() PublisherState {
	return PublisherState(p.state.Load())
}

func (p *Publisher) Publish(estimate Estimate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.estimate.Store(&estimate)

	state := Provisional
	if estimate.Confidence >= p.config.HighWater {
		state = Refined
	}
	previous := PublisherState(p.state.Swap(int32(state)))
	if previous != state {
		info("estimate state changed", "from", previous, "to", state, "confidence", estimate.Confidence)
	}

	p.notifyLocked(estimate, state, previous != state)
}

// MarkStale flags the published estimate as stale. It reports false when
// there is nothing to mark.
func (p *Publisher) MarkStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.estimate.Load()
	if current == nil || current.Stale {
		return false
	}
	stale := *current
	stale.Stale = true
	p.estimate.Store(&stale)

	p.notifyLocked(stale, p.State(), false)
	return true
}

func (p *Publisher) notifyLocked(estimate Estimate, state PublisherState, transitioned bool) {
	last := p.notified
	significant := transitioned ||
		last == nil ||
		absDuration(estimate.Offset-last.Offset) > p.config.MinChange ||
		estimate.Stale != last.Stale ||
		estimate.Degraded != last.Degraded
	if !significant {
		return
	}
	p.notified = &estimate

	n := Notification{Estimate: estimate, State: state}
	for _, s := range p.subscribers {
		s.deliver(n)
	}
}

// Subscription receives a notification whenever the estimate changes
// meaningfully. A slow reader loses the oldest notifications, never the
// newest.
type Subscription struct {
	ID uuid.UUID
	c  chan Notification
}

func (s *Subscription) C() <-chan Notification {
	return s.c
}

func (s *Subscription) deliver(n Notification) {
	for {
		select {
		case s.c <- n:
			return
		default:
		}
		select {
		case <-s.c:
		default:
		}
	}
}

// Subscribe registers a subscriber with room for buffer notifications. The
// current estimate, if any, is delivered right away.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{ID: uuid.New(), c: make(chan Notification, buffer)}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[s.ID] = s
	if current := p.estimate.Load(); current != nil {
		s.deliver(Notification{Estimate: *current, State: p.State()})
	}
	return s
}

// Unsubscribe closes the subscription's channel.
func (p *Publisher) Unsubscribe(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[s.ID]; ok {
		delete(p.subscribers, s.ID)
		close(s.c)
	}
}
