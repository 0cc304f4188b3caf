package store

import "sync/atomic"

// commitSeq numbers the commits of a coordinator. Each attached store reports
// the highest seq it holds, so the counter resumes past every store's head
// and a record's seq orders it among all writes, whatever store it lives in.
// A commit that fails in a backend leaves a gap.
type commitSeq struct {
	n atomic.Int64
}

// stamp reserves the seq of a new commit.
func (s *commitSeq) stamp() int64 { return s.n.Add(1) }

func (s *commitSeq) head() int64 { return s.n.Load() }

// catchUp raises the head to storeMax when a store already holds later
// commits.
func (s *commitSeq) catchUp(storeMax int64) {
	for cur := s.n.Load(); storeMax > cur; cur = s.n.Load() {
		if s.n.CompareAndSwap(cur, storeMax) {
			return
		}
	}
}
