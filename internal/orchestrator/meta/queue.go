package meta

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sibyldev/sibyl/internal/entity"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrTaskQueued is returned when the task is already queued.
	ErrTaskQueued = errors.New("task is already queued")
)

// priorityRank orders task priorities for dequeue. Unknown values rank
// as medium.
func priorityRank(p entity.Priority) int {
	switch p {
	case entity.PriorityCritical:
		return 4
	case entity.PriorityHigh:
		return 3
	case entity.PriorityLow:
		return 1
	default:
		return 2
	}
}

// queuedTask is one queue entry. Priority is captured at enqueue time;
// later task mutations do not re-sort the queue.
type queuedTask struct {
	TaskID   string
	Priority int
	QueuedAt time.Time

	seq   uint64
	index int
}

// taskHeap implements heap.Interface ordered by priority, then arrival.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TaskQueue is the bounded in-memory queue of one meta orchestrator.
// Dequeue order depends on the strategy: priority dequeues take the heap
// order, FIFO dequeues take arrival order regardless of priority.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*queuedTask
	maxSize int
	nextSeq uint64
}

// NewTaskQueue creates a queue. A maxSize of zero or less means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*queuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task with the priority it carries right now.
func (q *TaskQueue) Enqueue(taskID string, priority entity.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[taskID]; exists {
		return ErrTaskQueued
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qt := &queuedTask{
		TaskID:   taskID,
		Priority: priorityRank(priority),
		QueuedAt: time.Now().UTC(),
		seq:      q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.heap, qt)
	q.taskMap[taskID] = qt
	return nil
}

// DequeuePriority removes and returns the highest-priority task, ties
// broken by arrival. Returns "" when empty.
func (q *TaskQueue) DequeuePriority() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return ""
	}
	qt := heap.Pop(&q.heap).(*queuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt.TaskID
}

// DequeueFIFO removes and returns the oldest task regardless of priority.
// Returns "" when empty.
func (q *TaskQueue) DequeueFIFO() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return ""
	}
	oldest := q.heap[0]
	for _, qt := range q.heap {
		if qt.seq < oldest.seq {
			oldest = qt
		}
	}
	heap.Remove(&q.heap, oldest.index)
	delete(q.taskMap, oldest.TaskID)
	return oldest.TaskID
}

// Remove drops a specific task from the queue.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at max capacity.
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// IDs returns the queued task ids in arrival order. This is the shape
// persisted on the meta orchestrator record.
func (q *TaskQueue) IDs() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entries := make([]*queuedTask, len(q.heap))
	copy(entries, q.heap)
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	ids := make([]string, len(entries))
	for i, qt := range entries {
		ids[i] = qt.TaskID
	}
	return ids
}
