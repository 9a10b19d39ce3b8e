package ratelimiter

import (
	"container/list"
	"sync"
	"time"
)

// SlidingWindowLog keeps the timestamps of accepted requests inside the window.
type SlidingWindowLog struct {
	limit  int
	window time.Duration
	log    *list.List
	now    func() time.Time
	mutex  sync.Mutex
}

// NewSlidingWindowLog creates an empty log.
func NewSlidingWindowLog(limit int, window time.Duration) *SlidingWindowLog {
	return newSlidingLogWithClock(limit, window, time.Now)
}

func newSlidingLogWithClock(limit int, window time.Duration, now func() time.Time) *SlidingWindowLog {
	return &SlidingWindowLog{limit: limit, window: window, log: list.New(), now: now}
}

// Allow evicts expired timestamps and accepts the request if room remains.
func (swl *SlidingWindowLog) Allow() bool {
	swl.mutex.Lock()
	defer swl.mutex.Unlock()

	now := swl.now()
	boundary := now.Add(-swl.window)
	// timestamps are appended in order, so eviction stops at the first live one
	for e := swl.log.Front(); e != nil && !e.Value.(time.Time).After(boundary); e = swl.log.Front() {
		swl.log.Remove(e)
	}

	if swl.log.Len() >= swl.limit {
		return false
	}
	swl.log.PushBack(now)
	return true
}
