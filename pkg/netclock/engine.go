package netclock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	Servers     []ServerConfig
	Poll        PollPolicy
	Aggregation AggregatorConfig
	Publisher   PublisherConfig
}

type ServerConfig struct {
	Address string // host:port, already resolved by the caller
	Burst   bool   // iburst
	MinPoll int8   // log2 seconds, 0 keeps the policy's value
	MaxPoll int8
}

// policy specializes the engine-wide poll policy for one server.
func (s ServerConfig) policy(base PollPolicy) PollPolicy {
	p := base
	if !s.Burst {
		p.BurstCount = 0
	}
	if s.MinPoll != 0 {
		p.MinInterval = ntp.Log2ToDuration(s.MinPoll)
	}
	if s.MaxPoll != 0 {
		p.MaxInterval = ntp.Log2ToDuration(s.MaxPoll)
	}
	return p.withDefaults()
}

type Option func(*Engine)

// WithLogger routes engine logs to l. The logger is shared by every engine
// in the process.
func WithLogger(l *zap.Logger) Option {
	return func(*Engine) {
		SetLogger(l)
	}
}

func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithTransport(transport Transport) Option {
	return func(e *Engine) {
		e.transport = transport
	}
}

// Engine ties a pool of servers, the aggregator and the publisher together.
type Engine struct {
	ID        uuid.UUID
	config    Config
	clock     Clock
	transport Transport

	pool       *Pool
	aggregator *Aggregator
	publisher  *Publisher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(config Config, options ...Option) *Engine {
	config.Poll = config.Poll.withDefaults()
	config.Aggregation = config.Aggregation.withDefaults()
	config.Publisher = config.Publisher.withDefaults()

	e := &Engine{
		ID:        uuid.New(),
		config:    config,
		clock:     SystemClock{},
		transport: UDPTransport{},
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(e)
	}

	e.publisher = NewPublisher(config.Publisher, e.clock)
	e.pool = NewPool(e.clock, e.transport)
	e.aggregator = NewAggregator(config.Aggregation, e.publisher)
	return e
}

// Start adds the configured servers and begins polling. It returns
// immediately; estimates show up on the publisher as samples arrive.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	for _, server := range e.config.Servers {
		err := e.pool.Add(server.Address, server.policy(e.config.Poll))
		if errors.Is(err, ErrDuplicateServer) {
			warn("server listed twice, keeping the first entry", "endpoint", server.Address)
			continue
		}
		if err != nil {
			return err
		}
	}

	ctx, e.cancel = context.WithCancel(ctx)
	if err := e.pool.Start(ctx); err != nil {
		e.cancel()
		return err
	}
	e.started = true

	go func() {
		defer close(e.done)
		e.aggregator.Run(ctx, e.clock, e.pool.Samples(), e.pool)
	}()

	info("engine started", "id", e.ID, "servers", len(e.config.Servers))
	return nil
}

func (e *Engine) AddServer(server ServerConfig) error {
	return e.pool.Add(server.Address, server.policy(e.config.Poll))
}

func (e *Engine) RemoveServer(address string) error {
	return e.pool.Remove(address)
}

func (e *Engine) Servers() []string {
	return e.pool.Servers()
}

func (e *Engine) Publisher() *Publisher {
	return e.publisher
}

// Now is network time as currently estimated.
func (e *Engine) Now() time.Time {
	return e.publisher.Now()
}

type Status struct {
	ID           uuid.UUID
	State        PublisherState
	Estimate     Estimate
	HasEstimate  bool
	Held         Estimate
	HasHeld      bool
	Associations []AssociationStatus
}

func (e *Engine) Status() Status {
	estimate, ok := e.publisher.Current()
	held, hasHeld := e.aggregator.Held()
	return Status{
		ID:           e.ID,
		State:        e.publisher.State(),
		Estimate:     estimate,
		HasEstimate:  ok,
		Held:         held,
		HasHeld:      hasHeld,
		Associations: e.pool.Status(),
	}
}

// Shutdown lets outstanding exchanges finish, or cancels them when ctx
// expires, then stops the aggregator.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	err := e.pool.Shutdown(ctx)
	if started {
		<-e.done
		e.cancel()
	}
	info("engine stopped", "id", e.ID)
	return err
}
