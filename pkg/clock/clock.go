// Package clock provides the monotonic time source the scheduler and the
// copy state machine use to compute wake times and order events. It never
// reads the wall clock: waketimes must be immune to NTP steps and
// clock-set operations while the controller is running.
package clock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cuemby/shardlord/pkg/log"
)

// Timespec is a (seconds, nanoseconds) monotonic timestamp.
type Timespec struct {
	Sec  int64
	Nsec int64
}

const nsPerMs = int64(1e6)
const nsPerSec = int64(1e9)

// Now returns the current monotonic time. There is no recovery path if the
// underlying clock_gettime call fails: the controller cannot reason about
// waketimes without it, so this is fatal.
func Now() Timespec {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		log.Logger.Fatal().Err(err).Msg("clock_gettime(CLOCK_MONOTONIC) failed")
		os.Exit(1)
	}
	return Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}

// NowPlusMillis returns Now() advanced by ms milliseconds.
func NowPlusMillis(ms int64) Timespec {
	return Now().PlusMillis(ms)
}

// PlusMillis returns t advanced by ms milliseconds.
func (t Timespec) PlusMillis(ms int64) Timespec {
	total := t.Sec*nsPerSec + t.Nsec + ms*nsPerMs
	return Timespec{Sec: total / nsPerSec, Nsec: total % nsPerSec}
}

// DiffMillis returns (a - b) in milliseconds.
func DiffMillis(a, b Timespec) int64 {
	return (a.Sec-b.Sec)*1000 + (a.Nsec-b.Nsec)/nsPerMs
}

// Before reports whether t is strictly earlier than other.
func (t Timespec) Before(other Timespec) bool {
	if t.Sec != other.Sec {
		return t.Sec < other.Sec
	}
	return t.Nsec < other.Nsec
}

// After reports whether t is strictly later than other.
func (t Timespec) After(other Timespec) bool {
	return other.Before(t)
}

func (t Timespec) String() string {
	return fmt.Sprintf("%d.%09ds", t.Sec, t.Nsec)
}
