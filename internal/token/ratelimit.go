package token

import (
	"sync"
	"time"
)

// Result reports the outcome of a rate limit check.
type Result struct {
	Allowed           bool  // whether the issuance may proceed
	CurrentCount      int   // issuances in the current window, including this one if allowed
	Limit             int   // the cap that was checked
	RetryAfterSeconds int64 // seconds until a slot frees up (0 if allowed)
}

// Limiter enforces a sliding-window cap on token issuance per principal.
// Each principal owns its window and lock, so unrelated principals never
// serialize against each other.
type Limiter struct {
	cap    int
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	windows map[string]*principalWindow
}

type principalWindow struct {
	mu     sync.Mutex
	issued []time.Time
}

// NewLimiter builds a limiter with a one-minute sliding window.
func NewLimiter(cap int) *Limiter {
	return &Limiter{
		cap:     cap,
		window:  time.Minute,
		now:     time.Now,
		windows: make(map[string]*principalWindow),
	}
}

func (l *Limiter) principal(name string) *principalWindow {
	l.mu.RLock()
	w, ok := l.windows[name]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[name]; ok {
		return w
	}
	w = &principalWindow{}
	l.windows[name] = w
	return w
}

// Allow records one issuance attempt for the principal and reports whether
// it fits inside the window. Disabled (cap <= 0) limiters always allow.
func (l *Limiter) Allow(principal string) Result {
	if l == nil || l.cap <= 0 {
		return Result{Allowed: true}
	}
	now := l.now()
	cutoff := now.Add(-l.window)
	w := l.principal(principal)
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.issued[:0]
	for _, t := range w.issued {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.issued = kept
	if len(w.issued) >= l.cap {
		retry := int64(w.issued[0].Sub(cutoff)/time.Second) + 1
		return Result{Allowed: false, CurrentCount: len(w.issued), Limit: l.cap, RetryAfterSeconds: retry}
	}
	w.issued = append(w.issued, now)
	return Result{Allowed: true, CurrentCount: len(w.issued), Limit: l.cap}
}
