package semaphoregroup

import (
	"context"
)

// SemaphoreGroup bounds how many operations hold a slot at the same time
type SemaphoreGroup struct {
	semaphore chan struct{}
}

// NewSemaphoreGroup creates a new SemaphoreGroup with limit slots. A limit
// below one is raised to one.
func NewSemaphoreGroup(limit int) *SemaphoreGroup {
	if limit < 1 {
		limit = 1
	}
	return &SemaphoreGroup{
		semaphore: make(chan struct{}, limit),
	}
}

// Add blocks until a slot is free or ctx is done
func (sg *SemaphoreGroup) Add(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sg.semaphore <- struct{}{}:
		return nil
	}
}

// TryAdd takes a slot only if one is free right now
func (sg *SemaphoreGroup) TryAdd() bool {
	select {
	case sg.semaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

// Done releases a slot. Must be called after a successful Add or TryAdd.
func (sg *SemaphoreGroup) Done() {
	<-sg.semaphore
}

// Limit returns the number of slots
func (sg *SemaphoreGroup) Limit() int {
	return cap(sg.semaphore)
}

// InUse returns the number of slots currently held
func (sg *SemaphoreGroup) InUse() int {
	return len(sg.semaphore)
}
