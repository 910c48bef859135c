package netclock

import (
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// Clock is the only way the engine reads local time or waits. Tests swap in
// a manual clock to make polling deterministic.
//
// Times returned by Now are used both as wall time, for T1 and T4, and for
// ages and deadlines through Sub, so they should carry a monotonic reading.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock reads CLOCK_REALTIME for wall time together with the runtime's
// monotonic clock, and schedules with runtime timers.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	*time.Timer
}

func (t systemTimer) C() <-chan time.Time {
	return t.Timer.C
}

// maxPrecision is the finest precision claimed, about the cost of one clock
// read.
const maxPrecision int8 = -20

// localPrecision is the log2 resolution advertised in requests and counted
// into every sample's dispersion.
var localPrecision = systemPrecision()

// systemPrecision is the log2 seconds resolution of CLOCK_REALTIME, rounded
// up and never finer than maxPrecision.
func systemPrecision() int8 {
	var res unix.Timespec
	if err := unix.ClockGetres(unix.CLOCK_REALTIME, &res); err != nil {
		return maxPrecision
	}
	return precisionOf(time.Duration(res.Nano()))
}

func precisionOf(resolution time.Duration) int8 {
	if resolution <= 0 {
		return maxPrecision
	}
	p := int8(math.Ceil(math.Log2(resolution.Seconds())))
	return max(p, maxPrecision)
}
