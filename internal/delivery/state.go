// Package delivery defines message delivery statuses and the legal
// transitions between them. Providers redeliver webhooks out of order,
// so transitions form a monotonic lattice: a reported status is applied
// only if it is strictly later than the current one, or is a terminal
// failure. Everything else is a silent no-op.
package delivery

// Status is a message delivery status.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusSentToProvider Status = "sent_to_provider"
	StatusSent           Status = "sent"
	StatusDelivered      Status = "delivered"
	StatusRead           Status = "read"
	StatusFailed         Status = "failed"

	// StatusDispatchFailed marks a message the provider synchronously
	// rejected (or the dispatch call timed out). Set only by the send
	// orchestrator, never by webhook reconciliation.
	StatusDispatchFailed Status = "dispatch_failed"
)

// rank orders the success path. Higher rank is strictly "later".
// Terminal failure states are handled separately in Next.
var rank = map[Status]int{
	StatusQueued:         0,
	StatusSentToProvider: 1,
	StatusSent:           2,
	StatusDelivered:      3,
	StatusRead:           4,
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	if _, ok := rank[s]; ok {
		return true
	}
	return s == StatusFailed || s == StatusDispatchFailed
}

// Terminal reports whether no further transition can leave s.
func Terminal(s Status) bool {
	return s == StatusRead || s == StatusFailed || s == StatusDispatchFailed
}

// Next applies the transition rule. It returns the status the message
// should hold after a provider reports `reported`, and whether that is
// an actual change. Regressions (e.g. `sent` arriving after `delivered`)
// return (current, false): tolerated, not an error.
func Next(current, reported Status) (Status, bool) {
	if !Valid(reported) || Terminal(current) {
		return current, false
	}

	// A bounce/undeliverable report fails the message from any
	// non-terminal point past queueing.
	if reported == StatusFailed {
		if current == StatusSentToProvider || current == StatusSent {
			return StatusFailed, true
		}
		return current, false
	}

	if reported == StatusDispatchFailed {
		// Webhooks never produce dispatch_failed; refuse it here so a
		// malformed payload cannot fail a live message.
		return current, false
	}

	if rank[reported] > rank[current] {
		return reported, true
	}
	return current, false
}
