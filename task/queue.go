package task

import (
	"container/list"
	"time"
)

type queueEntry struct {
	req        Request
	enqueuedAt time.Time
}

// queue is a FIFO of pending requests with removal by job id. It is not safe
// for concurrent use; the Manager guards it with its own mutex.
type queue struct {
	l     *list.List
	index map[string]*list.Element
}

func newQueue() *queue {
	return &queue{l: list.New(), index: make(map[string]*list.Element)}
}

// push appends e and returns its 1-based position.
func (q *queue) push(e *queueEntry) int {
	q.index[e.req.JobID] = q.l.PushBack(e)
	return q.l.Len()
}

func (q *queue) pop() (*queueEntry, bool) {
	front := q.l.Front()
	if front == nil {
		return nil, false
	}
	e := q.l.Remove(front).(*queueEntry)
	delete(q.index, e.req.JobID)
	return e, true
}

func (q *queue) remove(id string) (*queueEntry, bool) {
	el, ok := q.index[id]
	if !ok {
		return nil, false
	}
	delete(q.index, id)
	return q.l.Remove(el).(*queueEntry), true
}

func (q *queue) contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

func (q *queue) len() int { return q.l.Len() }

func (q *queue) requests() []Request {
	out := make([]Request, 0, q.l.Len())
	for el := q.l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*queueEntry).req)
	}
	return out
}
