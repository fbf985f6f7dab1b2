package server

import "golang.org/x/sync/semaphore"

// Admission caps concurrently active streaming sessions. Both wire adapters
// share one Admission so max_active bounds the process, not each adapter.
type Admission struct {
	sem *semaphore.Weighted
}

// NewAdmission creates a limiter admitting up to max sessions. max <= 0
// means unlimited.
func NewAdmission(max int) *Admission {
	if max <= 0 {
		return &Admission{}
	}
	return &Admission{sem: semaphore.NewWeighted(int64(max))}
}

// TryAcquire claims one session slot without blocking. The caller must
// Release the slot when the session ends.
func (a *Admission) TryAcquire() bool {
	if a.sem == nil {
		return true
	}
	return a.sem.TryAcquire(1)
}

// Release returns one session slot.
func (a *Admission) Release() {
	if a.sem != nil {
		a.sem.Release(1)
	}
}
