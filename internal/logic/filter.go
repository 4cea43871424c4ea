package logic

import "time"

// Debouncer turns raw sensor readings into a stable presence signal.
type Debouncer struct {
	stable       bool
	pending      bool
	hasPending   bool
	pendingSince time.Time
}

// Filter takes the latest raw reading and returns the debounced signal.
// The stable output flips to raw.Detected only after raw.Detected has held
// continuously for p.DebounceWindow. A contrary reading restarts the window.
// Readings below p.QualityFloor hold the last stable state and drop any
// pending candidate.
func (d *Debouncer) Filter(raw SensorReading, now time.Time, p Parameters) PresenceSignal {
	if raw.Quality < p.QualityFloor {
		d.hasPending = false
		return d.signal(now)
	}

	if raw.Detected == d.stable {
		// No change from stable state, clear any pending
		d.hasPending = false
		return d.signal(now)
	}

	if !d.hasPending || d.pending != raw.Detected {
		d.pending = raw.Detected
		d.hasPending = true
		d.pendingSince = now
		return d.signal(now)
	}

	if now.Sub(d.pendingSince) >= p.DebounceWindow {
		d.stable = raw.Detected
		d.hasPending = false
	}
	return d.signal(now)
}

// Stable returns the current debounced value.
func (d *Debouncer) Stable() bool {
	return d.stable
}

// Reset forgets all history. The stable output returns to false.
func (d *Debouncer) Reset() {
	*d = Debouncer{}
}

func (d *Debouncer) signal(now time.Time) PresenceSignal {
	return PresenceSignal{Timestamp: now, Stable: d.stable}
}
