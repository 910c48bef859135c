package netclock

import (
	"context"
	"errors"
	"time"
)

type QueryResult struct {
	Server  string
	Offset  time.Duration
	Delay   time.Duration
	Err     time.Duration // error bound of Offset
	Stratum byte
	Refid   string
	Samples int
}

// Query polls a single server up to rounds times, one exchange after the
// other, and reports the minimum-delay sample. It runs outside the pool and
// does not touch the published estimate. progress, when set, is called
// after every round.
func (e *Engine) Query(ctx context.Context, endpoint string, rounds int, progress func(round int)) (*QueryResult, error) {
	policy := e.config.Poll
	policy.BurstCount = 0
	association := NewAssociation(endpoint, policy, e.clock, e.transport)

	conn, err := e.transport.Dial(ctx, endpoint)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer conn.Close()

	replies := make(chan reply, 4)
	go association.read(conn, replies)

	out := make(chan Sample, max(rounds, 1))
	var lastErr error
	for i := 0; i < rounds; i++ {
		_, err := association.poll(ctx, conn, replies, out)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Exit early if the server is not synced or refuses us
		if errors.Is(err, ErrUnsynchronized) || errors.Is(err, ErrKissOfDeath) {
			return nil, err
		}
		if err != nil {
			lastErr = err
		}

		if progress != nil {
			progress(i + 1)
		}
	}
	close(out)

	samples := make([]Sample, 0, rounds)
	for sample := range out {
		samples = append(samples, sample)
	}
	if len(samples) == 0 {
		if lastErr == nil || errors.Is(lastErr, ErrNoResponse) {
			return nil, ErrNoResponse
		}
		return nil, lastErr
	}

	best := samples[0]
	for _, sample := range samples[1:] {
		if sample.Delay < best.Delay {
			best = sample
		}
	}

	status := association.Status()
	return &QueryResult{
		Server:  endpoint,
		Offset:  best.Offset,
		Delay:   best.Delay,
		Err:     status.errorBound(best.Delay),
		Stratum: status.Stratum,
		Refid:   status.Refid,
		Samples: len(samples),
	}, nil
}
