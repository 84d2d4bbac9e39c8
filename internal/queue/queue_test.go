package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuongbtq/reviewbot/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	ID   int    `json:"id"`
	Note string `json:"note"`
}

func jobKey(j job) string {
	if j.ID <= 0 {
		return ""
	}
	return strconv.Itoa(j.ID)
}

type backendFactory func(t *testing.T) WorkQueue[job]

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"volatile": func(t *testing.T) WorkQueue[job] {
			return NewVolatile[job](jobKey)
		},
		"durable": func(t *testing.T) WorkQueue[job] {
			q, err := NewDurable(DurableConfig[job]{
				DB:       testsupport.NewSQLiteDB(t),
				Name:     "jobs",
				Identity: jobKey,
				Logger:   testsupport.DiscardLogger(),
			})
			require.NoError(t, err)
			return q
		},
	}
}

func TestWorkQueue_Contract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("dedup", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				inserted, err := q.Enqueue(ctx, job{ID: 1, Note: "first"})
				require.NoError(t, err)
				assert.True(t, inserted)

				inserted, err = q.Enqueue(ctx, job{ID: 1, Note: "second"})
				require.NoError(t, err)
				assert.False(t, inserted)

				size, err := q.Size(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, size)

				got, ok, err := q.FindByID(ctx, "1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "first", got.Note, "existing entry is kept")
			})

			t.Run("fifo", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				n, err := q.EnqueueAll(ctx, []job{{ID: 3}, {ID: 1}, {ID: 2}, {ID: 1}})
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				var order []int
				for {
					item, ok, err := q.Dequeue(ctx)
					require.NoError(t, err)
					if !ok {
						break
					}
					order = append(order, item.ID)
				}
				assert.Equal(t, []int{3, 1, 2}, order)
			})

			t.Run("drain completeness", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				for i := 1; i <= 20; i++ {
					_, err := q.Enqueue(ctx, job{ID: i})
					require.NoError(t, err)
				}

				seen := map[int]int{}
				for {
					item, ok, err := q.Dequeue(ctx)
					require.NoError(t, err)
					if !ok {
						break
					}
					seen[item.ID]++
				}

				assert.Len(t, seen, 20)
				for id, count := range seen {
					assert.Equal(t, 1, count, "item %d dequeued more than once", id)
				}

				exists, err := q.Exists(ctx, "5")
				require.NoError(t, err)
				assert.False(t, exists)
			})

			t.Run("empty queue", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				_, ok, err := q.Dequeue(ctx)
				require.NoError(t, err)
				assert.False(t, ok)

				_, ok, err = q.Peek(ctx)
				require.NoError(t, err)
				assert.False(t, ok)

				_, ok, err = q.FindByID(ctx, "404")
				require.NoError(t, err)
				assert.False(t, ok)

				items, err := q.List(ctx)
				require.NoError(t, err)
				assert.Empty(t, items)
			})

			t.Run("peek does not remove", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				_, err := q.EnqueueAll(ctx, []job{{ID: 7}, {ID: 8}})
				require.NoError(t, err)

				head, ok, err := q.Peek(ctx)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, 7, head.ID)

				size, err := q.Size(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, size)

				items, err := q.List(ctx)
				require.NoError(t, err)
				assert.Equal(t, []job{{ID: 7}, {ID: 8}}, items)
			})

			t.Run("re-enqueue after dequeue", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				_, err := q.Enqueue(ctx, job{ID: 9})
				require.NoError(t, err)
				_, ok, err := q.Dequeue(ctx)
				require.NoError(t, err)
				require.True(t, ok)

				inserted, err := q.Enqueue(ctx, job{ID: 9})
				require.NoError(t, err)
				assert.True(t, inserted)
			})

			t.Run("concurrent producers and consumers", func(t *testing.T) {
				ctx := context.Background()
				q := factory(t)

				const (
					ids       = 40
					producers = 4
					consumers = 3
				)

				var inserted atomic.Int32
				var wg sync.WaitGroup
				for p := 0; p < producers; p++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						// every producer offers the same ids
						for id := 1; id <= ids; id++ {
							ok, err := q.Enqueue(ctx, job{ID: id})
							assert.NoError(t, err)
							if ok {
								inserted.Add(1)
							}
							_, err = q.Exists(ctx, strconv.Itoa(id))
							assert.NoError(t, err)
						}
					}()
				}
				wg.Wait()

				assert.Equal(t, int32(ids), inserted.Load())
				size, err := q.Size(ctx)
				require.NoError(t, err)
				assert.Equal(t, ids, size)

				var mu sync.Mutex
				seen := make(map[int]int)
				for c := 0; c < consumers; c++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for {
							item, ok, err := q.Dequeue(ctx)
							if !assert.NoError(t, err) || !ok {
								return
							}
							mu.Lock()
							seen[item.ID]++
							mu.Unlock()
						}
					}()
				}
				wg.Wait()

				require.Len(t, seen, ids)
				for id, count := range seen {
					assert.Equal(t, 1, count, "id %d dequeued more than once", id)
				}
				size, err = q.Size(ctx)
				require.NoError(t, err)
				assert.Zero(t, size)
			})

			t.Run("invalid identity", func(t *testing.T) {
				q := factory(t)

				inserted, err := q.Enqueue(context.Background(), job{ID: 0})
				assert.ErrorIs(t, err, ErrInvalidIdentity)
				assert.False(t, inserted)
			})
		})
	}
}
