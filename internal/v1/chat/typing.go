package chat

import (
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/set"
)

// TypingSet tracks the usernames currently typing.
//
// The server is the only source of removals unless a TTL is set, in which case
// an entry that is not refreshed within the TTL is dropped locally. Not safe
// for concurrent use; State guards it.
type TypingSet struct {
	users set.Set[string]

	ttl      time.Duration
	clock    clock.WithDelayedExecution
	lastSeen map[string]time.Time
	timers   map[string]clock.Timer
	// onExpire is invoked on its own goroutine when a TTL elapses.
	onExpire func(user string)
}

// NewTypingSet returns an empty set. ttl <= 0 disables local expiry.
func NewTypingSet(clk clock.WithDelayedExecution, ttl time.Duration, onExpire func(user string)) *TypingSet {
	return &TypingSet{
		users:    set.New[string](),
		ttl:      ttl,
		clock:    clk,
		lastSeen: make(map[string]time.Time),
		timers:   make(map[string]clock.Timer),
		onExpire: onExpire,
	}
}

// Set adds or removes user. Reports whether membership changed.
func (t *TypingSet) Set(user string, typing bool) bool {
	if user == "" {
		return false
	}
	if !typing {
		t.stopTimer(user)
		if !t.users.Has(user) {
			return false
		}
		t.users.Delete(user)
		return true
	}

	changed := !t.users.Has(user)
	t.users.Insert(user)
	t.armTimer(user)
	return changed
}

// Has reports whether user is currently typing.
func (t *TypingSet) Has(user string) bool {
	return t.users.Has(user)
}

// Users returns the typing usernames in sorted order.
func (t *TypingSet) Users() []string {
	return t.users.SortedList()
}

// Len returns the number of typing users.
func (t *TypingSet) Len() int {
	return t.users.Len()
}

// Expire removes user if its entry has not been refreshed within the TTL.
func (t *TypingSet) Expire(user string) bool {
	seen, ok := t.lastSeen[user]
	if !ok || t.clock.Since(seen) < t.ttl {
		return false
	}
	delete(t.lastSeen, user)
	delete(t.timers, user)
	if !t.users.Has(user) {
		return false
	}
	t.users.Delete(user)
	return true
}

// Reset clears the set and stops every pending expiry.
func (t *TypingSet) Reset() {
	for user := range t.timers {
		t.stopTimer(user)
	}
	t.users = set.New[string]()
}

func (t *TypingSet) armTimer(user string) {
	if t.ttl <= 0 || t.clock == nil {
		return
	}
	t.lastSeen[user] = t.clock.Now()
	if timer, ok := t.timers[user]; ok {
		timer.Reset(t.ttl)
		return
	}
	onExpire := t.onExpire
	t.timers[user] = t.clock.AfterFunc(t.ttl, func() {
		if onExpire != nil {
			go onExpire(user)
		}
	})
}

func (t *TypingSet) stopTimer(user string) {
	if timer, ok := t.timers[user]; ok {
		timer.Stop()
		delete(t.timers, user)
	}
	delete(t.lastSeen, user)
}
