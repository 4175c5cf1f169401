package workflow

import "time"

// Delegation is one user's time-bounded handover of approval authority.
// A nil Start means "already effective"; a nil End means "until revoked",
// but callers are expected to persist explicit windows.
type Delegation struct {
	FromUserID string
	ToUserID   string
	Start      *time.Time
	End        *time.Time
}

// ActiveAt reports whether the delegation window covers the given instant.
// The window is [Start, End).
func (d Delegation) ActiveAt(at time.Time) bool {
	if d.ToUserID == "" {
		return false
	}
	if d.Start != nil && at.Before(*d.Start) {
		return false
	}
	if d.End != nil && !at.Before(*d.End) {
		return false
	}
	return true
}

// DelegationSet maps a delegating user id to their delegation.
type DelegationSet map[string]Delegation

// DelegateOf returns the effective approver for userID at the given time:
// the delegate while an active window covers it, otherwise userID itself.
// Applied uniformly at every vote-attribution point.
func (s DelegationSet) DelegateOf(userID string, at time.Time) string {
	if d, ok := s[userID]; ok && d.ActiveAt(at) {
		return d.ToUserID
	}
	return userID
}
