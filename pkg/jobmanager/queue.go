package jobmanager

import (
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// jobQueue is a container/heap priority queue ordering ready jobs by
// (priority desc, created_at asc), matching spec §4.5.2's scheduling
// rule and the identical ORDER BY in repository.JobRepository.FindPending.
type jobQueue struct {
	items []*types.Job
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (q *jobQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *jobQueue) Push(x any) { q.items = append(q.items, x.(*types.Job)) }

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
