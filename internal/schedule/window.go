// Package schedule computes call and join availability windows relative to a
// scheduled instant. All window functions are pure functions of
// (scheduledAt, now): they carry no state, take no locks, and must be
// re-evaluated periodically because "now" advances with no accompanying
// store write (see Poll).
package schedule

import (
	"context"
	"time"
)

const (
	// JoinLead is how long before the scheduled instant the meeting link
	// opens. The join window has no upper bound: once open, the link stays
	// usable. Live ringing is bounded separately by RingLead/RingTail, so a
	// stale link can be joinable while ringing is already blocked.
	JoinLead = 10 * time.Minute

	// RingLead / RingTail bound the window around the scheduled instant
	// during which a live call invitation may be started.
	RingLead = time.Hour
	RingTail = time.Hour

	// HighlightLead / HighlightTail bound the presentation-urgency window.
	HighlightLead = time.Hour
	HighlightTail = 5 * time.Minute

	// BlinkInterval is the toggle cadence the presentation layer applies
	// while any record sits in the highlight window. Exposed as a contract
	// constant; no timer lives here.
	BlinkInterval = 600 * time.Millisecond

	// DefaultTick is the recommended re-evaluation interval. Windows are
	// minute-granular, so second-exact edges buy nothing.
	DefaultTick = 30 * time.Second
)

// CanJoinMeeting reports whether the meeting link is usable:
// now >= scheduledAt - JoinLead, with no upper bound.
func CanJoinMeeting(scheduledAt, now time.Time) bool {
	return !now.Before(scheduledAt.Add(-JoinLead))
}

// CanRing reports whether a live call invitation may be started:
// scheduledAt - RingLead <= now <= scheduledAt + RingTail.
func CanRing(scheduledAt, now time.Time) bool {
	return !now.Before(scheduledAt.Add(-RingLead)) && !now.After(scheduledAt.Add(RingTail))
}

// IsPastRingWindow reports whether the ring window has closed:
// now > scheduledAt + RingTail.
func IsPastRingWindow(scheduledAt, now time.Time) bool {
	return now.After(scheduledAt.Add(RingTail))
}

// ShouldHighlight reports whether the record sits in the urgency window:
// scheduledAt - HighlightLead <= now <= scheduledAt + HighlightTail.
// Presentation only; carries no access-control meaning.
func ShouldHighlight(scheduledAt, now time.Time) bool {
	return !now.Before(scheduledAt.Add(-HighlightLead)) && !now.After(scheduledAt.Add(HighlightTail))
}

// Poll invokes fn immediately and then every interval until ctx is
// canceled. Callers use it to re-derive window state on a coarse tick
// instead of scheduling precise per-record timers. A non-positive interval
// falls back to DefaultTick.
func Poll(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	if interval <= 0 {
		interval = DefaultTick
	}
	fn(time.Now())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			fn(now)
		}
	}
}
