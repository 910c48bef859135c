package netclock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
	"github.com/emirpasic/gods/queues/circularbuffer"
)

const NSTAGE = 8 /* clock register stages */
const SGATE = 3  /* spike gate */
const MTU = 1300

type State int

const (
	Idle State = iota
	AwaitingReply
	Completed
	TimedOut
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReply:
		return "awaiting"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed-out"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PollPolicy decides how often a server is polled. The interval starts at
// MinInterval, grows while samples agree with each other, shrinks on spikes,
// backs off on failures and is always kept inside [MinInterval, MaxInterval].
type PollPolicy struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	FirstPoll   time.Duration
	Timeout     time.Duration

	// BurstCount extra polls are sent BurstInterval apart after the first
	// one, so a fresh association fills its filter quickly.
	BurstCount    int
	BurstInterval time.Duration

	GrowAfter     int // consecutive good samples before the interval grows
	GrowFactor    float64
	ShrinkFactor  float64
	BackoffFactor float64

	UnreachableAfter int           // consecutive failures before the server is unreachable
	MaxDistance      time.Duration // root distance ceiling for accepted replies
}

var DefaultPollPolicy = PollPolicy{
	MinInterval:      16 * time.Second,
	MaxInterval:      1024 * time.Second,
	FirstPoll:        0,
	Timeout:          3 * time.Second,
	BurstCount:       4,
	BurstInterval:    2 * time.Second,
	GrowAfter:        4,
	GrowFactor:       2,
	ShrinkFactor:     2,
	BackoffFactor:    2,
	UnreachableAfter: 8,
	MaxDistance:      16 * time.Second,
}

func (p PollPolicy) withDefaults() PollPolicy {
	d := DefaultPollPolicy
	if p.MinInterval <= 0 {
		p.MinInterval = d.MinInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.MinInterval {
		p.MaxInterval = p.MinInterval
	}
	if p.FirstPoll < 0 {
		p.FirstPoll = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.BurstCount < 0 {
		p.BurstCount = 0
	}
	if p.BurstInterval <= 0 {
		p.BurstInterval = d.BurstInterval
	}
	if p.GrowAfter <= 0 {
		p.GrowAfter = d.GrowAfter
	}
	if p.GrowFactor < 1 {
		p.GrowFactor = d.GrowFactor
	}
	if p.ShrinkFactor < 1 {
		p.ShrinkFactor = d.ShrinkFactor
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.UnreachableAfter <= 0 {
		p.UnreachableAfter = d.UnreachableAfter
	}
	if p.MaxDistance <= 0 {
		p.MaxDistance = d.MaxDistance
	}
	return p
}

func (p PollPolicy) clamp(d time.Duration) time.Duration {
	return max(p.MinInterval, min(p.MaxInterval, d))
}

func (p PollPolicy) scale(d time.Duration, factor float64) time.Duration {
	return p.clamp(time.Duration(float64(d) * factor))
}

// AssociationStatus is a point in time copy of an association's state.
type AssociationStatus struct {
	Endpoint  string
	State     State
	Reachable bool
	Reach     uint8 /* reach register */
	Failures  int
	Interval  time.Duration
	Offset    time.Duration
	Delay     time.Duration
	Jitter    time.Duration
	Stratum   byte
	Refid     string
	Rootdelay time.Duration
	Rootdisp  time.Duration
	Samples   int
	Update    time.Time
	Kiss      string
}

// Association polls one server. All mutable state is behind mu so Status
// can be read while Run is polling.
type Association struct {
	endpoint  string
	policy    PollPolicy
	clock     Clock
	transport Transport

	mu         sync.Mutex
	state      State
	interval   time.Duration
	failures   int
	reachable  bool
	reach      uint8
	goodStreak int
	burst      int
	filter     *circularbuffer.Queue
	jitter     time.Duration
	last       Sample
	hasLast    bool
	lastXmt    ntp.Timestamp
	stratum    byte
	refid      uint32
	rootdelay  time.Duration
	rootdisp   time.Duration
	update     time.Time
	kiss       string
	lastErr    error /* set while unreachable */
}

func NewAssociation(endpoint string, policy PollPolicy, clock Clock, transport Transport) *Association {
	policy = policy.withDefaults()
	return &Association{
		endpoint:  endpoint,
		policy:    policy,
		clock:     clock,
		transport: transport,
		state:     Idle,
		interval:  policy.MinInterval,
		reachable: true,
		burst:     policy.BurstCount,
		filter:    circularbuffer.New(NSTAGE),
	}
}

type reply struct {
	packet ntp.Packet
	t4     ntp.Timestamp
}

// kissError carries the code of a kiss-of-death reply.
type kissError struct {
	code string
}

func (e *kissError) Error() string {
	return fmt.Sprintf("%v: %s", ErrKissOfDeath, e.code)
}

func (e *kissError) Is(target error) bool {
	return target == ErrKissOfDeath
}

func (e *kissError) fatal() bool {
	return e.code == ntp.KissDeny || e.code == ntp.KissRestrict
}

// Run polls until ctx is cancelled, stop is closed or the server refuses
// service. A closed stop channel only takes effect between exchanges, so an
// outstanding request is allowed to complete or time out first. Accepted
// samples are sent on out.
func (a *Association) Run(ctx context.Context, stop <-chan struct{}, out chan<- Sample) {
	defer a.setState(Disabled)

	var conn Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	replies := make(chan reply, 4)

	timer := a.clock.NewTimer(a.policy.FirstPoll)
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case r := <-replies:
			debug("discarding reply while idle", "endpoint", a.endpoint, "org", r.packet.Org)
			continue
		case <-timer.C():
		}

		// stop may have been closed while the timer was also ready.
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if conn == nil {
			c, err := a.transport.Dial(ctx, a.endpoint)
			if err != nil {
				err = &TransportError{Endpoint: a.endpoint, Err: err}
				debug("dial failed", "endpoint", a.endpoint, "err", err)
				timer = a.idle(a.fail(err))
				continue
			}
			conn = c
			go a.read(conn, replies)
		}

		next, err := a.poll(ctx, conn, replies, out)
		if ctx.Err() != nil {
			return
		}

		var kiss *kissError
		if errors.As(err, &kiss) && kiss.fatal() {
			warn("server refused service, disabling association", "endpoint", a.endpoint, "code", kiss.code)
			return
		}

		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			conn.Close()
			conn = nil
		}

		timer = a.idle(next)
	}
}

func (a *Association) idle(next time.Duration) Timer {
	a.setState(Idle)
	debug("next poll", "endpoint", a.endpoint, "in", next)
	return a.clock.NewTimer(next)
}

// read stamps T4 as soon as a datagram arrives and hands decoded replies to
// the poll loop. It exits when conn is closed.
func (a *Association) read(conn Conn, replies chan<- reply) {
	buf := make([]byte, MTU)
	for {
		n, err := conn.Receive(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors surface on connected sockets without closing them.
			debug("receive failed", "endpoint", a.endpoint, "err", err)
			continue
		}
		t4 := ntp.TimestampFromTime(a.clock.Now())

		packet, err := ntp.Decode(buf[:n])
		if err != nil {
			debug("dropping datagram", "endpoint", a.endpoint, "err", err)
			continue
		}

		select {
		case replies <- reply{packet: packet, t4: t4}:
		default:
			debug("reply queue full", "endpoint", a.endpoint)
		}
	}
}

// poll runs one exchange: send a request stamped with T1, then wait for the
// reply whose origin timestamp echoes it. It returns how long to wait before
// the next exchange.
func (a *Association) poll(ctx context.Context, conn Conn, replies <-chan reply, out chan<- Sample) (time.Duration, error) {
	a.setState(AwaitingReply)
	t1 := ntp.TimestampFromTime(a.clock.Now())
	request := ntp.Packet{
		Leap:      ntp.NOSYNC,
		Version:   ntp.VERSION,
		Mode:      ntp.CLIENT,
		Poll:      ntp.Log2FromDuration(a.Interval()),
		Precision: localPrecision,
		Xmt:       t1,
	}

	if err := conn.Send(ntp.Encode(request)); err != nil {
		err = &TransportError{Endpoint: a.endpoint, Err: err}
		debug("send failed", "endpoint", a.endpoint, "err", err)
		return a.fail(err), err
	}

	deadline := a.clock.NewTimer(a.policy.Timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C():
			debug("no response", "endpoint", a.endpoint)
			return a.fail(ErrNoResponse), ErrNoResponse
		case r := <-replies:
			if r.packet.Org != t1 {
				debug("discarding unmatched reply", "endpoint", a.endpoint, "org", r.packet.Org, "xmt", t1)
				continue
			}
			if a.isDuplicate(r.packet) {
				debug("discarding duplicate reply", "endpoint", a.endpoint)
				continue
			}

			sample, next, err := a.complete(t1, r)
			if err != nil {
				return next, err
			}

			select {
			case out <- sample:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			return next, nil
		}
	}
}

func (a *Association) isDuplicate(packet ntp.Packet) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasLast && packet.Xmt == a.lastXmt
}

// complete validates a matched reply and turns it into a sample.
func (a *Association) complete(t1 ntp.Timestamp, r reply) (Sample, time.Duration, error) {
	packet := r.packet

	if code, ok := packet.IsKiss(); ok {
		err := &kissError{code: code}
		switch code {
		case ntp.KissRate:
			a.mu.Lock()
			a.kiss = code
			a.state = Completed
			a.interval = a.policy.scale(a.interval, a.policy.BackoffFactor)
			next := a.interval
			a.mu.Unlock()
			info("server asked to slow down", "endpoint", a.endpoint, "interval", next)
			return Sample{}, next, err
		case ntp.KissDeny, ntp.KissRestrict:
			a.mu.Lock()
			a.kiss = code
			a.mu.Unlock()
			return Sample{}, 0, err
		}
		e := fmt.Errorf("%w: stratum 0 (%q)", ErrUnsynchronized, code)
		return Sample{}, a.fail(e), e
	}

	if err := a.accept(packet); err != nil {
		debug("rejecting reply", "endpoint", a.endpoint, "err", err)
		return Sample{}, a.fail(err), err
	}

	delay, offset := Measure(t1, packet.Rec, packet.Xmt, r.t4)
	roundtrip := r.t4.Sub(t1).Duration()
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	previous, hadPrevious := a.last, a.hasLast
	previousJitter := a.jitter

	sample := Sample{
		Server: a.endpoint,
		Delay:  delay,
		Offset: offset,
		Taken:  now,
	}

	if a.filter.Full() {
		a.filter.Dequeue()
	}
	a.filter.Enqueue(sample)
	a.jitter = jitter(a.filterLocked())

	sample.Dispersion = ntp.Log2ToDuration(packet.Precision) +
		ntp.Log2ToDuration(localPrecision) +
		time.Duration(PHI*float64(roundtrip)) +
		delay/2 +
		a.jitter

	a.last = sample
	a.hasLast = true
	a.lastXmt = packet.Xmt
	a.stratum = packet.Stratum
	a.refid = packet.Refid
	a.rootdelay = packet.Rootdelay.Duration()
	a.rootdisp = packet.Rootdisp.Duration()
	a.update = now
	a.kiss = ""
	a.state = Completed

	recovered := !a.reachable
	a.reachable = true
	a.lastErr = nil
	a.failures = 0
	a.reach = a.reach<<1 | 1

	gate := max(previousJitter, delay/2, ntp.Log2ToDuration(localPrecision))
	good := !hadPrevious || absDuration(offset-previous.Offset) <= SGATE*gate
	if recovered {
		info("server reachable again", "endpoint", a.endpoint)
		a.interval = a.policy.MinInterval
		a.goodStreak = 0
	}

	return sample, a.adjustLocked(good), nil
}

// accept applies the header sanity checks to a reply that matched our request.
func (a *Association) accept(packet ntp.Packet) error {
	switch {
	case packet.Mode != ntp.SERVER:
		return fmt.Errorf("%w: mode %v", ErrInvalidReply, packet.Mode)
	case packet.Xmt.IsZero():
		return fmt.Errorf("%w: zero transmit timestamp", ErrInvalidReply)
	case packet.Leap == ntp.NOSYNC:
		return fmt.Errorf("%w: leap indicator", ErrUnsynchronized)
	case packet.Stratum >= ntp.MAXSTRAT:
		return fmt.Errorf("%w: stratum %d", ErrUnsynchronized, packet.Stratum)
	case packet.Xmt.Sub(packet.Reftime) < 0:
		return fmt.Errorf("%w: reference time after transmit time", ErrInvalidReply)
	}

	distance := packet.Rootdelay.Duration()/2 + packet.Rootdisp.Duration()
	if distance >= a.policy.MaxDistance {
		return fmt.Errorf("%w: root distance %v", ErrInvalidReply, distance)
	}
	return nil
}

// adjustLocked moves the poll interval after a good or spiky sample and
// returns the wait until the next poll.
func (a *Association) adjustLocked(good bool) time.Duration {
	if a.burst > 0 {
		a.burst--
		return a.policy.BurstInterval
	}

	if good {
		a.goodStreak++
		if a.goodStreak >= a.policy.GrowAfter {
			a.interval = a.policy.scale(a.interval, a.policy.GrowFactor)
			a.goodStreak = 0
		}
	} else {
		a.goodStreak = 0
		a.interval = a.policy.scale(a.interval, 1/a.policy.ShrinkFactor)
	}
	return a.interval
}

// fail records a round that produced no sample and returns the wait until
// the next poll.
func (a *Association) fail(err error) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = TimedOut
	a.failures++
	a.reach <<= 1
	a.goodStreak = 0

	if a.failures >= a.policy.UnreachableAfter {
		if a.reachable {
			a.lastErr = fmt.Errorf("%w after %d failures: %w", ErrUnreachable, a.failures, err)
			warn("server unreachable", "endpoint", a.endpoint, "err", a.lastErr)
		}
		a.reachable = false
		a.interval = a.policy.MaxInterval
	} else {
		a.interval = a.policy.scale(a.interval, a.policy.BackoffFactor)
	}

	if a.burst > 0 {
		a.burst--
		return a.policy.BurstInterval
	}
	return a.interval
}

func (a *Association) setState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

func (a *Association) Endpoint() string {
	return a.endpoint
}

func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Association) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

func (a *Association) Reachable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable
}

// Err wraps ErrUnreachable and the failure that made the server unreachable.
// It is nil while the server is reachable.
func (a *Association) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Samples returns the filter contents, oldest first.
func (a *Association) Samples() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filterLocked()
}

func (a *Association) filterLocked() []Sample {
	values := a.filter.Values()
	samples := make([]Sample, 0, len(values))
	for _, v := range values {
		samples = append(samples, v.(Sample))
	}
	return samples
}

func (a *Association) Status() AssociationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AssociationStatus{
		Endpoint:  a.endpoint,
		State:     a.state,
		Reachable: a.reachable,
		Reach:     a.reach,
		Failures:  a.failures,
		Interval:  a.interval,
		Offset:    a.last.Offset,
		Delay:     a.last.Delay,
		Jitter:    a.jitter,
		Stratum:   a.stratum,
		Refid:     ntp.RefIDString(a.refid),
		Rootdelay: a.rootdelay,
		Rootdisp:  a.rootdisp,
		Samples:   a.filter.Size(),
		Update:    a.update,
		Kiss:      a.kiss,
	}
}

// errorBound is the maximum error of the last sample as seen from the
// server's reference clock.
func (s AssociationStatus) errorBound(delay time.Duration) time.Duration {
	return s.Rootdelay/2 + s.Rootdisp + delay
}
