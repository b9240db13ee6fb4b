package alerting

import "time"

// CooldownState is where a policy sits in its firing cycle at a given instant.
type CooldownState int

const (
	// NeverTriggered: the policy has not fired yet and may fire on a breach.
	NeverTriggered CooldownState = iota
	// CoolingDown: the policy fired less than one cooldown ago; breaches are
	// suppressed.
	CoolingDown
	// Eligible: the cooldown since the last firing has fully elapsed.
	Eligible
)

func (s CooldownState) String() string {
	switch s {
	case NeverTriggered:
		return "never_triggered"
	case CoolingDown:
		return "cooling_down"
	case Eligible:
		return "eligible"
	default:
		return "unknown"
	}
}

// CanFire reports whether a breach in this state raises an alert.
func (s CooldownState) CanFire() bool {
	return s == NeverTriggered || s == Eligible
}

// StateAt derives the cooldown state from the last firing time. A policy is
// eligible again once now-last >= cooldown.
func StateAt(lastTriggered *time.Time, cooldown time.Duration, now time.Time) CooldownState {
	if lastTriggered == nil {
		return NeverTriggered
	}
	if now.Sub(*lastTriggered) >= cooldown {
		return Eligible
	}
	return CoolingDown
}
