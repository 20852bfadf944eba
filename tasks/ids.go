package tasks

import (
	"strconv"
	"sync/atomic"
	"time"
)

// idSource hands out strictly increasing nanosecond stamps, rendered in
// base 36 for task and subtask ids.
type idSource struct {
	last atomic.Int64
	now  func() time.Time
}

func newIDSource() *idSource {
	return &idSource{now: time.Now}
}

func (s *idSource) next() int64 {
	for {
		now := s.now().UnixNano()
		last := s.last.Load()
		if now <= last {
			now = last + 1
		}
		if s.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (s *idSource) nextID() string {
	return strconv.FormatInt(s.next(), 36)
}
