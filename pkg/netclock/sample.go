package netclock

import (
	"math"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
)

const PHI = 15e-6 /* % frequency tolerance (15 ppm) */

// Sample is one completed exchange with a server.
type Sample struct {
	Server     string
	Delay      time.Duration /* roundtrip delay, never negative */
	Offset     time.Duration /* server clock minus local clock */
	Dispersion time.Duration /* error bound: precision, delay and jitter */
	Taken      time.Time
}

// Measure computes the round-trip delay and clock offset of one exchange:
//
//	delay  = (T4-T1) - (T3-T2)
//	offset = ((T2-T1) + (T3-T4)) / 2
//
// Differences are taken in 32.32 fixed point and converted once at the end.
// Each half is taken before the sum so offsets up to 68 years do not
// overflow. A negative delay, possible when the server's clock runs at a different
// rate, is clamped to zero.
func Measure(t1, t2, t3, t4 ntp.Timestamp) (delay, offset time.Duration) {
	d := t4.Sub(t1) - t3.Sub(t2)
	if d < 0 {
		d = 0
	}
	return d.Duration(), midpoint(t2.Sub(t1), t3.Sub(t4)).Duration()
}

// midpoint is floor((a+b)/2) without the intermediate sum.
func midpoint(a, b ntp.Interval) ntp.Interval {
	return a>>1 + b>>1 + (a&1+b&1)>>1
}

// jitter is the RMS offset difference to the minimum-delay sample, the same
// statistic the clock filter uses.
func jitter(samples []Sample) time.Duration {
	if len(samples) < 2 {
		return 0
	}

	best := samples[0]
	for _, sample := range samples[1:] {
		if sample.Delay < best.Delay {
			best = sample
		}
	}

	var sum float64
	for _, sample := range samples {
		d := float64(sample.Offset - best.Offset)
		sum += d * d
	}
	return time.Duration(math.Sqrt(sum / float64(len(samples)-1)))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
