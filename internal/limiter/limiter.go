package limiter

import (
	"sync"
)

// Key identifies a member of a guild.
type Key struct {
	GuildID int64
	UserID  int64
}

// UserLimiter allows one in-flight submission per member.
type UserLimiter struct {
	mu          sync.Mutex
	active      map[Key]struct{}
	maxGlobal   int
	globalCount int
}

// NewUserLimiter creates a new user limiter.
// maxGlobalConcurrent of 0 means no global cap.
func NewUserLimiter(maxGlobalConcurrent int) *UserLimiter {
	return &UserLimiter{
		active:    make(map[Key]struct{}),
		maxGlobal: maxGlobalConcurrent,
	}
}

// TryAcquire reserves the member's slot.
// Returns false if the member already has a submission in flight or the global cap is reached.
func (l *UserLimiter) TryAcquire(k Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.active[k]; exists {
		return false
	}
	if l.maxGlobal > 0 && l.globalCount >= l.maxGlobal {
		return false
	}

	l.active[k] = struct{}{}
	l.globalCount++
	return true
}

func (l *UserLimiter) Release(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.active[k]; exists {
		delete(l.active, k)
		l.globalCount--
	}
}

// ActiveCount returns the number of submissions in flight.
func (l *UserLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalCount
}

func (l *UserLimiter) IsActive(k Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.active[k]
	return exists
}
