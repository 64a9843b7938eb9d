package jobs

import (
	"container/heap"
	"time"

	"omics-backend/internal/types"
)

// queueItem is one waiting job plus its ordering keys. enqueuedAt is the
// first time the job entered the queue; retries keep the original timestamp
// so a retried job does not lose its place behind newer work at the same
// priority, while seq breaks exact-time ties deterministically.
type queueItem struct {
	job        *types.Job
	enqueuedAt time.Time
	seq        int64
	index      int
}

// jobQueue is a max-heap on priority with FIFO order inside each priority
// bucket. Not safe for concurrent use; the scheduler serializes access.
type jobQueue struct {
	items   []*queueItem
	byID    map[string]*queueItem
	nextSeq int64
}

func newJobQueue() *jobQueue {
	q := &jobQueue{byID: map[string]*queueItem{}}
	heap.Init(q)
	return q
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

// push enqueues a job. enqueuedAt should be the job's first enqueue time.
func (q *jobQueue) push(job *types.Job, enqueuedAt time.Time) {
	q.nextSeq++
	item := &queueItem{job: job, enqueuedAt: enqueuedAt, seq: q.nextSeq}
	heap.Push(q, item)
	q.byID[job.ID] = item
}

// remove takes a job out of the queue by id (cancel before dispatch).
func (q *jobQueue) remove(jobID string) *types.Job {
	item, ok := q.byID[jobID]
	if !ok {
		return nil
	}
	heap.Remove(q, item.index)
	delete(q.byID, jobID)
	return item.job
}

// contains reports whether the job is still waiting.
func (q *jobQueue) contains(jobID string) bool {
	_, ok := q.byID[jobID]
	return ok
}

// inOrder returns the waiting items in scheduling order without mutating the
// heap. Cost is a copy plus a drain; queue depths here are small.
func (q *jobQueue) inOrder() []*queueItem {
	clone := &jobQueue{
		items: make([]*queueItem, len(q.items)),
		byID:  map[string]*queueItem{},
	}
	cloneItems := make([]queueItem, len(q.items))
	for i, item := range q.items {
		cloneItems[i] = *item
		clone.items[i] = &cloneItems[i]
	}
	out := make([]*queueItem, 0, len(q.items))
	for clone.Len() > 0 {
		out = append(out, heap.Pop(clone).(*queueItem))
	}
	return out
}

// headOf returns the oldest waiting item at exactly priority p, or nil when
// the bucket is empty. Linear scan; queue depths here are small.
func (q *jobQueue) headOf(p types.JobPriority) *queueItem {
	var head *queueItem
	for _, item := range q.items {
		if item.job.Priority != p {
			continue
		}
		if head == nil || item.enqueuedAt.Before(head.enqueuedAt) ||
			(item.enqueuedAt.Equal(head.enqueuedAt) && item.seq < head.seq) {
			head = item
		}
	}
	return head
}

// take removes a specific waiting item chosen by the dispatch scan.
func (q *jobQueue) take(jobID string) *types.Job {
	return q.remove(jobID)
}

// depthByPriority counts waiting jobs per priority bucket.
func (q *jobQueue) depthByPriority() map[string]int {
	out := map[string]int{}
	for _, item := range q.items {
		out[item.job.Priority.String()]++
	}
	return out
}
