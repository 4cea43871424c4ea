package logic

import "time"

// Decide applies the control rules in order; the first match wins.
//
//  1. OPEN/OPENING for at least MaxOpenTime       -> FORCE_CLOSE
//  2. COOLDOWN for less than MinCooldownTime      -> NOOP
//  3. IDLE/CLOSING/COOLDOWN with stable presence  -> OPEN
//  4. OPEN past MinOpenTime without presence      -> CLOSE
//  5. OPEN before MinOpenTime                     -> KEEP
//  6. otherwise                                   -> NOOP
func Decide(signal PresenceSignal, state State, elapsed time.Duration, p Parameters) Decision {
	switch {
	case (state == StateOpen || state == StateOpening) && elapsed >= p.MaxOpenTime:
		return DecisionForceClose
	case state == StateCooldown && elapsed < p.MinCooldownTime:
		return DecisionNoop
	case (state == StateIdle || state == StateClosing || state == StateCooldown) && signal.Stable:
		return DecisionOpen
	case state == StateOpen && elapsed >= p.MinOpenTime && !signal.Stable:
		return DecisionClose
	case state == StateOpen && elapsed < p.MinOpenTime:
		return DecisionKeep
	}
	return DecisionNoop
}
