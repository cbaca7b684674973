package scheduler

import (
	"sync"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// jobRing keeps the most recent fetch jobs.
type jobRing struct {
	mu   sync.Mutex
	buf  []*model.FetchJob
	next int
	full bool
}

func newJobRing(size int) *jobRing {
	if size <= 0 {
		size = 1
	}
	return &jobRing{buf: make([]*model.FetchJob, size)}
}

// add stores j, evicting the oldest job when the ring is full.
func (r *jobRing) add(j *model.FetchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = j
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// update applies fn to j under the ring lock.
func (r *jobRing) update(j *model.FetchJob, fn func(*model.FetchJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(j)
}

// list returns up to limit jobs, newest first. limit <= 0 returns all.
func (r *jobRing) list(limit int) []model.FetchJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.FetchJob, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, *r.buf[idx])
	}
	return out
}
