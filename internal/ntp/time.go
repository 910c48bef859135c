package ntp

import (
	"math/bits"
	"time"
)

const (
	EraLength     int64 = 4_294_967_296 // 2^32
	UnixEraOffset int64 = 2_208_988_800 // 1970 - 1900 in seconds
)

// Timestamp is an NTP 32.32 fixed point time: seconds since 1900 in the high
// word and the fraction of a second in the low word.
type Timestamp uint64

// Short is the 16.16 fixed point format used for root delay and dispersion.
type Short uint32

// Interval is the signed 32.32 difference between two timestamps.
type Interval int64

func TimestampFromTime(t time.Time) Timestamp {
	sec := uint64(t.Unix() + UnixEraOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp(sec<<32 | frac)
}

// Time converts back to wall time. Seconds with the high bit clear are taken
// to be in era 1 (after 2036-02-07), which keeps the mapping unambiguous for
// 1968 through 2104.
func (t Timestamp) Time() time.Time {
	sec := int64(t >> 32)
	if sec < 1<<31 {
		sec += EraLength
	}
	frac := int64(uint32(t))
	nsec := (frac*int64(time.Second) + 1<<31) >> 32
	return time.Unix(sec-UnixEraOffset, nsec)
}

func (t Timestamp) IsZero() bool {
	return t == 0
}

// Sub returns t-u. The first-order difference is taken in wrapping 64-bit
// arithmetic so it is exact and crosses era boundaries as long as the two
// timestamps are within 68 years of each other.
func (t Timestamp) Sub(u Timestamp) Interval {
	return Interval(int64(t - u))
}

func (t Timestamp) Add(i Interval) Timestamp {
	return t + Timestamp(i)
}

func IntervalFromDuration(d time.Duration) Interval {
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return Interval(sec<<32 + (rem<<32)/int64(time.Second))
}

func (i Interval) Duration() time.Duration {
	sec := int64(i) >> 32
	frac := int64(i) & 0xffffffff
	return time.Duration(sec*int64(time.Second) + (frac*int64(time.Second)+1<<31)>>32)
}

func (i Interval) Seconds() float64 {
	return float64(i) / float64(EraLength)
}

func (s Short) Duration() time.Duration {
	return time.Duration((int64(s)*int64(time.Second) + 1<<15) >> 16)
}

func ShortFromDuration(d time.Duration) Short {
	if d <= 0 {
		return 0
	}
	v := ((int64(d) / 1e3) << 16) / 1e6
	if v > int64(^uint32(0)) {
		return Short(^uint32(0))
	}
	return Short(v)
}

func Log2ToDuration(a int8) time.Duration {
	if a < 0 {
		if a < -62 {
			return 0
		}
		return time.Second >> -a
	}
	if a > 33 {
		a = 33
	}
	return time.Second << a
}

// Log2FromDuration returns the poll exponent whose interval does not exceed d.
func Log2FromDuration(d time.Duration) int8 {
	secs := uint64(d / time.Second)
	if secs == 0 {
		return 0
	}
	return int8(bits.Len64(secs) - 1)
}
