package netclock

import (
	"context"
	"testing"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, servers ...string) (*Engine, *fakeClock, *fakeNetwork) {
	t.Helper()
	clock := newFakeClock()
	network := newFakeNetwork(clock)

	config := Config{}
	for _, s := range servers {
		config.Servers = append(config.Servers, ServerConfig{Address: s})
	}
	engine := New(config, WithClock(clock), WithTransport(network))
	return engine, clock, network
}

func engineIdle(e *Engine) func() bool {
	return poolIdle(e.pool)
}

func TestEngineConverges(t *testing.T) {
	engine, clock, network := newTestEngine(t, server1, server2, server3)
	network.add(server1, 200*time.Millisecond, 0)
	network.add(server2, 202*time.Millisecond, 0)
	network.add(server3, 198*time.Millisecond, 0)

	require.NoError(t, engine.Start(context.Background()))
	sub := engine.Publisher().Subscribe(16)

	drive(t, clock, engineIdle(engine), func() bool { return engine.Publisher().State() == Refined })

	estimate, ok := engine.Publisher().Current()
	require.True(t, ok)
	assert.Equal(t, 3, estimate.Servers)
	assert.InDelta(t, 200*time.Millisecond, estimate.Offset, float64(3*time.Millisecond))
	assert.GreaterOrEqual(t, estimate.Confidence, DefaultPublisherConfig.HighWater)
	assert.Equal(t, clock.Now().Add(estimate.Offset), engine.Now())

	status := engine.Status()
	assert.Equal(t, engine.ID, status.ID)
	assert.Equal(t, Refined, status.State)
	assert.True(t, status.HasEstimate)
	assert.Len(t, status.Associations, 3)

	var states []PublisherState
	for len(sub.C()) > 0 {
		states = append(states, (<-sub.C()).State)
	}
	assert.Contains(t, states, Provisional)
	assert.Equal(t, Refined, states[len(states)-1])

	require.NoError(t, engine.Shutdown(context.Background()))
}

func TestEngineAddAndRemoveServers(t *testing.T) {
	engine, clock, network := newTestEngine(t, server1)
	network.add(server1, 0, 10*time.Millisecond)
	network.add(server2, 0, 10*time.Millisecond)

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.AddServer(ServerConfig{Address: server2, Burst: true}))
	assert.ErrorIs(t, engine.AddServer(ServerConfig{Address: server2}), ErrDuplicateServer)
	assert.Equal(t, []string{server1, server2}, engine.Servers())

	drive(t, clock, engineIdle(engine), func() bool {
		estimate, ok := engine.Publisher().Current()
		return ok && estimate.Servers == 2
	})

	require.NoError(t, engine.RemoveServer(server1))
	assert.ErrorIs(t, engine.RemoveServer(server1), ErrUnknownServer)
	assert.Equal(t, []string{server2}, engine.Servers())

	require.NoError(t, engine.Shutdown(context.Background()))
	assert.ErrorIs(t, engine.AddServer(ServerConfig{Address: server3}), ErrClosed)
}

func TestEngineStartSkipsDuplicateServers(t *testing.T) {
	engine, clock, network := newTestEngine(t, server1, server2, server1)
	network.add(server1, 0, 10*time.Millisecond)
	network.add(server2, 0, 10*time.Millisecond)

	require.NoError(t, engine.Start(context.Background()))
	assert.Equal(t, []string{server1, server2}, engine.Servers())

	drive(t, clock, engineIdle(engine), func() bool {
		estimate, ok := engine.Publisher().Current()
		return ok && estimate.Servers == 2
	})
	require.NoError(t, engine.Shutdown(context.Background()))
}

func TestEngineStartAfterPartialFailure(t *testing.T) {
	engine, _, _ := newTestEngine(t, server1, server2)
	require.NoError(t, engine.pool.Add(server2, testPolicy()))

	// server2 is already in the pool, as after an earlier failed Start.
	require.NoError(t, engine.Start(context.Background()))
	assert.ElementsMatch(t, []string{server1, server2}, engine.Servers())
	require.NoError(t, engine.Shutdown(context.Background()))
}

func TestEngineShutdownBeforeStart(t *testing.T) {
	engine, _, _ := newTestEngine(t, server1)
	assert.NoError(t, engine.Shutdown(context.Background()))
}

func TestQuery(t *testing.T) {
	engine, _, network := newTestEngine(t)
	network.add(server1, 40*time.Millisecond, 10*time.Millisecond)

	var rounds []int
	result, err := engine.Query(context.Background(), server1, 4, func(round int) {
		rounds = append(rounds, round)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, rounds)
	assert.Equal(t, 4, result.Samples)
	assert.Equal(t, server1, result.Server)
	assert.InDelta(t, 40*time.Millisecond, result.Offset, float64(time.Microsecond))
	assert.InDelta(t, 10*time.Millisecond, result.Delay, float64(time.Microsecond))
	assert.InDelta(t, 11500*time.Microsecond, result.Err, float64(50*time.Microsecond))
	assert.Equal(t, byte(1), result.Stratum)

	_, ok := engine.Publisher().Current()
	assert.False(t, ok)
}

func TestQueryNoResponse(t *testing.T) {
	engine, clock, network := newTestEngine(t)
	server := network.add(server1, 0, 10*time.Millisecond)
	server.set(func(s *fakeServer) { s.silent = true })

	done := make(chan error, 1)
	go func() {
		_, err := engine.Query(context.Background(), server1, 2, nil)
		done <- err
	}()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
		}
		clock.AdvanceToNext()
		return false
	}, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 2, server.Requests())
}

func TestQueryStopsOnKissOfDeath(t *testing.T) {
	engine, _, network := newTestEngine(t)
	server := network.add(server1, 0, 10*time.Millisecond)
	server.set(func(s *fakeServer) { s.kiss = ntp.KissDeny })

	_, err := engine.Query(context.Background(), server1, 4, nil)
	assert.ErrorIs(t, err, ErrKissOfDeath)
	assert.Equal(t, 1, server.Requests())
}

func TestQueryUnreachable(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Query(context.Background(), server1, 1, nil)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, errNoRoute)
}
