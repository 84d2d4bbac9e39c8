// Package queue provides a deduplicating FIFO work queue with an in-memory
// backend and a SQL-backed backend that survives restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrInvalidIdentity is returned when an item has no usable identity
var ErrInvalidIdentity = errors.New("queue item has no identity")

// ErrCorruptPayload is returned when a stored entry cannot be decoded
var ErrCorruptPayload = errors.New("queue entry payload is corrupt")

// Backend names a WorkQueue implementation
type Backend string

const (
	BackendVolatile Backend = "volatile"
	BackendDurable  Backend = "durable"
)

// RecoveryPolicy decides what happens to entries left claimed by a crashed process
type RecoveryPolicy string

const (
	// RecoveryRequeue puts claimed entries back in line (at-least-once)
	RecoveryRequeue RecoveryPolicy = "requeue"
	// RecoveryDiscard drops claimed entries (at-most-once)
	RecoveryDiscard RecoveryPolicy = "discard"
)

// IdentityFunc extracts the deduplication key of an item
type IdentityFunc[T any] func(T) string

// WorkQueue is a FIFO queue that holds at most one waiting entry per identity.
//
// Dequeue and Peek report an empty queue with ok == false and a nil error.
type WorkQueue[T any] interface {
	// Enqueue appends item unless an entry with the same identity is present.
	// It reports whether the item was inserted.
	Enqueue(ctx context.Context, item T) (bool, error)
	// EnqueueAll applies Enqueue to each item in order and returns the number inserted.
	EnqueueAll(ctx context.Context, items []T) (int, error)
	Dequeue(ctx context.Context) (item T, ok bool, err error)
	Peek(ctx context.Context) (item T, ok bool, err error)
	Exists(ctx context.Context, id string) (bool, error)
	FindByID(ctx context.Context, id string) (item T, ok bool, err error)
	// List returns a snapshot of the waiting entries in dequeue order.
	List(ctx context.Context) ([]T, error)
	Size(ctx context.Context) (int, error)
}

// Codec converts items to and from their stored form
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec stores items as JSON documents
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(item T) ([]byte, error) {
	return json.Marshal(item)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var item T
	err := json.Unmarshal(data, &item)
	return item, err
}

func enqueueAll[T any](ctx context.Context, q WorkQueue[T], items []T) (int, error) {
	inserted := 0
	for _, item := range items {
		ok, err := q.Enqueue(ctx, item)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}
