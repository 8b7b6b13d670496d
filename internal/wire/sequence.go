package wire

import (
	"math"
	"sync/atomic"
)

// Sequence hands out strictly positive downlink message ids and wraps back to 1
// instead of overflowing.
type Sequence struct {
	last atomic.Int32
}

// Next returns the next id.
func (s *Sequence) Next() int32 {
	for {
		cur := s.last.Load()
		next := cur + 1
		if cur >= math.MaxInt32 || cur < 0 {
			next = 1
		}
		if s.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}

var downlinkIDs Sequence

// NextDownlinkMsgID draws from the process-wide downlink id sequence.
func NextDownlinkMsgID() int32 {
	return downlinkIDs.Next()
}
