package queue

import (
	"container/list"
	"context"
	"sync"
)

// Volatile is an in-process WorkQueue. Contents are lost on restart.
type Volatile[T any] struct {
	mu       sync.Mutex
	order    *list.List
	index    map[string]*list.Element
	identity IdentityFunc[T]
}

// NewVolatile creates an empty in-memory queue
func NewVolatile[T any](identity IdentityFunc[T]) *Volatile[T] {
	return &Volatile[T]{
		order:    list.New(),
		index:    make(map[string]*list.Element),
		identity: identity,
	}
}

func (q *Volatile[T]) Enqueue(_ context.Context, item T) (bool, error) {
	id := q.identity(item)
	if id == "" {
		return false, ErrInvalidIdentity
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; ok {
		return false, nil
	}
	q.index[id] = q.order.PushBack(item)
	return true, nil
}

func (q *Volatile[T]) EnqueueAll(ctx context.Context, items []T) (int, error) {
	return enqueueAll[T](ctx, q, items)
}

func (q *Volatile[T]) Dequeue(_ context.Context) (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	front := q.order.Front()
	if front == nil {
		return zero, false, nil
	}

	item := q.order.Remove(front).(T)
	delete(q.index, q.identity(item))
	return item, true, nil
}

func (q *Volatile[T]) Peek(_ context.Context) (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	front := q.order.Front()
	if front == nil {
		return zero, false, nil
	}
	return front.Value.(T), true, nil
}

func (q *Volatile[T]) Exists(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.index[id]
	return ok, nil
}

func (q *Volatile[T]) FindByID(_ context.Context, id string) (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	elem, ok := q.index[id]
	if !ok {
		return zero, false, nil
	}
	return elem.Value.(T), true, nil
}

func (q *Volatile[T]) List(_ context.Context) ([]T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(T))
	}
	return items, nil
}

func (q *Volatile[T]) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.order.Len(), nil
}
