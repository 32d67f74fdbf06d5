package server

import (
	"sync"
	"time"
)

// callerWindow counts the requests of one caller since start
type callerWindow struct {
	start time.Time
	count int
}

// rateLimiter allows requestsLimit requests per caller in each window. Every
// caller gets its own window, started by its first request.
type rateLimiter struct {
	sync.Mutex
	requestsLimit int
	window        time.Duration
	callers       map[string]*callerWindow
	now           func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newRateLimiter(window time.Duration, requestsLimit int) *rateLimiter {
	limiter := &rateLimiter{
		requestsLimit: requestsLimit,
		window:        window,
		callers:       map[string]*callerWindow{},
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	if window > 0 {
		go limiter.pruneLoop()
	}
	return limiter
}

func (r *rateLimiter) canProcess(caller string) bool {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	w, ok := r.callers[caller]
	if !ok || now.Sub(w.start) >= r.window {
		r.callers[caller] = &callerWindow{start: now, count: 1}
		return true
	}
	if w.count >= r.requestsLimit {
		return false
	}
	w.count++
	return true
}

// count returns the requests of caller in its current window
func (r *rateLimiter) count(caller string) int {
	r.Lock()
	defer r.Unlock()
	w, ok := r.callers[caller]
	if !ok || r.now().Sub(w.start) >= r.window {
		return 0
	}
	return w.count
}

func (r *rateLimiter) pruneLoop() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

// prune drops callers whose window has ended
func (r *rateLimiter) prune() {
	r.Lock()
	defer r.Unlock()
	now := r.now()
	for caller, w := range r.callers {
		if now.Sub(w.start) >= r.window {
			delete(r.callers, caller)
		}
	}
}

func (r *rateLimiter) close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
