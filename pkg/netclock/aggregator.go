package netclock

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

type AggregatorConfig struct {
	// Window is how many recent samples are kept per server.
	Window int
	// MaxDispersion drops a server's candidate when its error bound is larger.
	MaxDispersion time.Duration
	// MaxSampleAge drops samples older than this from selection.
	MaxSampleAge time.Duration
	// ClusterTolerance is how far apart two offsets may be and still agree.
	ClusterTolerance time.Duration
	// MinDispersion floors a candidate's error when weighting it.
	MinDispersion time.Duration
	// ServerGain and RoundGain shape confidence: each agreeing server and
	// each consistent round closes that fraction of the remaining gap to 1.
	ServerGain float64
	RoundGain  float64
	// HoldTimeout is how long a lower-confidence estimate is held back.
	HoldTimeout time.Duration
	// StaleAfter marks the published estimate stale when nothing replaced it.
	StaleAfter   time.Duration
	TickInterval time.Duration
}

var DefaultAggregatorConfig = AggregatorConfig{
	Window:           NSTAGE,
	MaxDispersion:    time.Second,
	MaxSampleAge:     time.Hour,
	ClusterTolerance: 50 * time.Millisecond,
	MinDispersion:    5 * time.Millisecond,
	ServerGain:       0.5,
	RoundGain:        0.5,
	HoldTimeout:      2 * time.Minute,
	StaleAfter:       30 * time.Minute,
	TickInterval:     time.Second,
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	d := DefaultAggregatorConfig
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxDispersion <= 0 {
		c.MaxDispersion = d.MaxDispersion
	}
	if c.MaxSampleAge <= 0 {
		c.MaxSampleAge = d.MaxSampleAge
	}
	if c.ClusterTolerance <= 0 {
		c.ClusterTolerance = d.ClusterTolerance
	}
	if c.MinDispersion <= 0 {
		c.MinDispersion = d.MinDispersion
	}
	if c.ServerGain <= 0 || c.ServerGain >= 1 {
		c.ServerGain = d.ServerGain
	}
	if c.RoundGain <= 0 || c.RoundGain >= 1 {
		c.RoundGain = d.RoundGain
	}
	if c.HoldTimeout <= 0 {
		c.HoldTimeout = d.HoldTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// ReachabilitySource reports which servers are configured and reachable.
type ReachabilitySource interface {
	Reachability() map[string]bool
}

// Aggregator turns per-server samples into a single estimate and decides
// whether the publisher gets to see it.
type Aggregator struct {
	config    AggregatorConfig
	publisher *Publisher

	mu         sync.Mutex
	history    map[string]*circularbuffer.Queue
	winners    map[string]bool
	streak     int
	lastOffset time.Duration
	hasLast    bool
	held       *Estimate
}

func NewAggregator(config AggregatorConfig, publisher *Publisher) *Aggregator {
	return &Aggregator{
		config:    config.withDefaults(),
		publisher: publisher,
		history:   map[string]*circularbuffer.Queue{},
		winners:   map[string]bool{},
	}
}

// Run consumes samples until the channel is closed or ctx is done. Each
// sample triggers one evaluation round; the ticker only ages the published
// estimate.
func (a *Aggregator) Run(ctx context.Context, clock Clock, samples <-chan Sample, source ReachabilitySource) {
	ticker := clock.NewTimer(a.config.TickInterval)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			a.Process(sample, clock.Now(), source.Reachability())
		case <-ticker.C():
			a.Tick(clock.Now())
			ticker = clock.NewTimer(a.config.TickInterval)
		}
	}
}

func (a *Aggregator) Observe(sample Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observeLocked(sample)
}

func (a *Aggregator) observeLocked(sample Sample) {
	window, ok := a.history[sample.Server]
	if !ok {
		window = circularbuffer.New(a.config.Window)
		a.history[sample.Server] = window
	}
	if window.Full() {
		window.Dequeue()
	}
	window.Enqueue(sample)
}

// Process records the sample, evaluates a round and offers the result to
// the publisher. It reports whether the estimate was published.
func (a *Aggregator) Process(sample Sample, now time.Time, reachable map[string]bool) (Estimate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.observeLocked(sample)
	candidate, err := a.evaluateLocked(now, reachable)
	if err != nil {
		debug("no estimate this round", "err", err)
		return Estimate{}, false
	}
	return candidate, a.offerLocked(candidate, now)
}

// Evaluate runs one selection round over the recorded samples. Servers
// missing from reachable are forgotten; unreachable ones are skipped.
func (a *Aggregator) Evaluate(now time.Time, reachable map[string]bool) (Estimate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evaluateLocked(now, reachable)
}

func (a *Aggregator) evaluateLocked(now time.Time, reachable map[string]bool) (Estimate, error) {
	for server := range a.history {
		if _, ok := reachable[server]; !ok {
			delete(a.history, server)
			delete(a.winners, server)
		}
	}

	candidates := make([]Sample, 0, len(a.history))
	for server, window := range a.history {
		if !reachable[server] {
			continue
		}
		best, ok := a.best(window, now)
		if !ok || best.Dispersion > a.config.MaxDispersion {
			continue
		}
		candidates = append(candidates, best)
	}
	if len(candidates) == 0 {
		return Estimate{}, ErrNoViableServers
	}

	cluster := selectCluster(candidates, a.config.ClusterTolerance)
	offset := combine(cluster, a.config.MinDispersion)

	represented := false
	for _, c := range cluster {
		if a.winners[c.Server] {
			represented = true
			break
		}
	}
	if a.hasLast && represented && absDuration(offset-a.lastOffset) <= a.config.ClusterTolerance {
		a.streak++
	} else {
		a.streak = 1
	}

	a.winners = make(map[string]bool, len(cluster))
	for _, c := range cluster {
		a.winners[c.Server] = true
	}
	a.lastOffset = offset
	a.hasLast = true

	return Estimate{
		Offset:     offset,
		Confidence: confidence(len(cluster), a.streak, a.config.ServerGain, a.config.RoundGain),
		AsOf:       now,
		Servers:    len(cluster),
	}, nil
}

// best is the minimum-delay sample in the window that is not too old.
func (a *Aggregator) best(window *circularbuffer.Queue, now time.Time) (Sample, bool) {
	var best Sample
	found := false
	for _, v := range window.Values() {
		sample := v.(Sample)
		if now.Sub(sample.Taken) > a.config.MaxSampleAge {
			continue
		}
		if !found || sample.Delay < best.Delay {
			best = sample
			found = true
		}
	}
	return best, found
}

// selectCluster anchors a cluster on each candidate, lowest delay first, and
// keeps the largest. Ties go to the anchor with the lower delay.
func selectCluster(candidates []Sample, tolerance time.Duration) []Sample {
	sorted := make([]Sample, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Delay != sorted[j].Delay {
			return sorted[i].Delay < sorted[j].Delay
		}
		return sorted[i].Server < sorted[j].Server
	})

	var best []Sample
	for _, anchor := range sorted {
		var cluster []Sample
		for _, c := range sorted {
			if absDuration(c.Offset-anchor.Offset) <= tolerance {
				cluster = append(cluster, c)
			}
		}
		if len(cluster) > len(best) {
			best = cluster
		}
	}
	return best
}

// combine weights each offset by the inverse of its error bound. Dispersion
// already counts half the delay.
func combine(cluster []Sample, floor time.Duration) time.Duration {
	var sum, weights float64
	for _, c := range cluster {
		bound := max(c.Dispersion, floor)
		w := 1 / bound.Seconds()
		sum += w * float64(c.Offset)
		weights += w
	}
	return time.Duration(math.Round(sum / weights))
}

func confidence(servers, streak int, serverGain, roundGain float64) float64 {
	s := 1 - math.Pow(1-serverGain, float64(servers))
	r := 1 - math.Pow(1-roundGain, float64(streak))
	return s * r
}

// offerLocked publishes a candidate unless it would lower the published
// confidence. A held candidate is published anyway, flagged degraded, once
// the current estimate is older than HoldTimeout.
func (a *Aggregator) offerLocked(candidate Estimate, now time.Time) bool {
	current, ok := a.publisher.Current()
	if ok && candidate.Confidence < current.Confidence {
		if now.Sub(current.AsOf) < a.config.HoldTimeout {
			debug("holding back lower confidence estimate", "offset", candidate.Offset, "confidence", candidate.Confidence, "published", current.Confidence)
			held := candidate
			a.held = &held
			return false
		}
		candidate.Degraded = true
		warn("publishing degraded estimate", "offset", candidate.Offset, "confidence", candidate.Confidence)
	}

	a.held = nil
	a.publisher.Publish(candidate)
	return true
}

// Tick releases a held estimate once HoldTimeout has passed and marks the
// published estimate stale when it is older than StaleAfter.
func (a *Aggregator) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.publisher.Current()
	if !ok {
		return
	}

	if a.held != nil && now.Sub(current.AsOf) >= a.config.HoldTimeout && now.Sub(a.held.AsOf) < a.config.StaleAfter {
		held := *a.held
		held.Degraded = true
		a.held = nil
		warn("publishing degraded estimate", "offset", held.Offset, "confidence", held.Confidence)
		a.publisher.Publish(held)
		current = held
	}

	if !current.Stale && now.Sub(current.AsOf) > a.config.StaleAfter {
		warn("estimate is stale", "as_of", current.AsOf)
		a.publisher.MarkStale()
	}
}

// Held returns the candidate currently held back, if any.
func (a *Aggregator) Held() (Estimate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held == nil {
		return Estimate{}, false
	}
	return *a.held, true
}
