package netclock

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
	"github.com/stretchr/testify/require"
)

// fakeClock only moves when told to. Timers fire during Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, when: c.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		t.c <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(c.now.Add(d))
}

// AdvanceToNext jumps to the earliest pending timer.
func (c *fakeClock) AdvanceToNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return false
	}
	sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].when.Before(c.timers[j].when) })
	c.advanceLocked(c.timers[0].when)
	return true
}

func (c *fakeClock) advanceLocked(to time.Time) {
	if to.After(c.now) {
		c.now = to
	}
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.when.After(c.now) {
			pending = append(pending, t)
			continue
		}
		t.c <- c.now
	}
	c.timers = pending
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTimer struct {
	clock *fakeClock
	when  time.Time
	c     chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

// fakeServer answers requests as a server whose clock is offset from ours,
// across a symmetric path with the given round-trip delay.
type fakeServer struct {
	mu        sync.Mutex
	offset    time.Duration
	delay     time.Duration
	silent    bool
	leap      byte
	stratum   byte
	kiss      string
	duplicate bool // answer every request twice
	stray     bool // precede every answer with one for an older request
	lag       bool // answer each request only when the next one arrives
	held      []ntp.Packet
	requests  int
}

func (s *fakeServer) set(f func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func (s *fakeServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *fakeServer) respond(request ntp.Packet) ([]ntp.Packet, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if s.silent {
		return nil, 0
	}

	t2 := request.Xmt.Add(ntp.IntervalFromDuration(s.delay/2 + s.offset))
	stratum := s.stratum
	if stratum == 0 {
		stratum = 1
	}
	reply := ntp.Packet{
		Leap:      s.leap,
		Version:   ntp.VERSION,
		Mode:      ntp.SERVER,
		Stratum:   stratum,
		Poll:      request.Poll,
		Precision: -20,
		Rootdelay: ntp.ShortFromDuration(time.Millisecond),
		Rootdisp:  ntp.ShortFromDuration(time.Millisecond),
		Refid:     0x47505300, // GPS
		Reftime:   t2.Add(-ntp.IntervalFromDuration(time.Second)),
		Org:       request.Xmt,
		Rec:       t2,
		Xmt:       t2,
	}
	if s.kiss != "" {
		code := []byte(s.kiss)
		reply.Stratum = 0
		reply.Refid = uint32(code[0])<<24 | uint32(code[1])<<16 | uint32(code[2])<<8 | uint32(code[3])
	}

	replies := []ntp.Packet{reply}
	if s.duplicate {
		replies = append(replies, reply)
	}
	if s.stray {
		stray := reply
		stray.Org = request.Xmt.Add(-ntp.IntervalFromDuration(time.Minute))
		stray.Xmt = stray.Xmt.Add(ntp.IntervalFromDuration(time.Millisecond))
		replies = append([]ntp.Packet{stray}, replies...)
	}
	if s.lag {
		replies, s.held = s.held, replies
	}
	return replies, s.delay
}

type fakeNetwork struct {
	clock *fakeClock

	mu      sync.Mutex
	servers map[string]*fakeServer
	dials   int
}

func newFakeNetwork(clock *fakeClock) *fakeNetwork {
	return &fakeNetwork{clock: clock, servers: map[string]*fakeServer{}}
}

func (n *fakeNetwork) add(endpoint string, offset, delay time.Duration) *fakeServer {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeServer{offset: offset, delay: delay}
	n.servers[endpoint] = s
	return s
}

var errNoRoute = errors.New("no route to host")

func (n *fakeNetwork) Dial(ctx context.Context, endpoint string) (Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials++
	server, ok := n.servers[endpoint]
	if !ok {
		return nil, errNoRoute
	}
	return &fakeConn{
		clock:  n.clock,
		server: server,
		inbox:  make(chan []byte, 8),
		closed: make(chan struct{}),
	}, nil
}

type fakeConn struct {
	clock  *fakeClock
	server *fakeServer
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

// Send delivers the server's answer after advancing the clock by the
// round-trip delay, so the reader stamps T4 exactly one delay after T1.
func (c *fakeConn) Send(b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	request, err := ntp.Decode(b)
	if err != nil {
		return err
	}
	replies, delay := c.server.respond(request)
	if len(replies) == 0 {
		return nil
	}

	c.clock.Advance(delay)
	for _, reply := range replies {
		c.inbox <- ntp.Encode(reply)
	}
	return nil
}

func (c *fakeConn) Receive(b []byte) (int, error) {
	select {
	case d := <-c.inbox:
		return copy(b, d), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drive advances the fake clock to the next timer whenever ready reports
// that the goroutines under test are parked, until done holds.
func drive(t *testing.T, clock *fakeClock, ready func() bool, done func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if done() {
			return true
		}
		if ready() && clock.Pending() > 0 {
			clock.AdvanceToNext()
		}
		return done()
	}, 5*time.Second, time.Millisecond)
}

func always() bool { return true }

func idle(associations ...*Association) func() bool {
	return func() bool {
		for _, a := range associations {
			if a.State() != Idle {
				return false
			}
		}
		return true
	}
}

// testPolicy polls without a burst so interval changes are visible from the
// first sample.
func testPolicy() PollPolicy {
	p := DefaultPollPolicy
	p.BurstCount = 0
	return p
}

type runningAssociation struct {
	*Association
	samples chan Sample
	stop    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func startAssociation(t *testing.T, endpoint string, policy PollPolicy, clock *fakeClock, network *fakeNetwork) *runningAssociation {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningAssociation{
		Association: NewAssociation(endpoint, policy, clock, network),
		samples:     make(chan Sample, 64),
		stop:        make(chan struct{}),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		r.Run(ctx, r.stop, r.samples)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func collect(samples <-chan Sample) []Sample {
	var out []Sample
	for {
		select {
		case s := <-samples:
			out = append(out, s)
		default:
			return out
		}
	}
}
