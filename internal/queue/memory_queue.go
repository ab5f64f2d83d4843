package queue

import (
	"context"
	"ticket-rush/internal/model"
)

// MemoryQueue 使用 Go channel 模擬 MQ，供測試與單機開發使用；程序重啟後訊息會遺失
type MemoryQueue[T any] struct {
	ch chan *T
}

func NewMemoryQueue[T any](bufferSize int) *MemoryQueue[T] {
	return &MemoryQueue[T]{
		ch: make(chan *T, bufferSize),
	}
}

func (q *MemoryQueue[T]) Publish(ctx context.Context, msg T) error {
	select {
	case q.ch <- &msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len 尚未被取走的訊息數
func (q *MemoryQueue[T]) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue[T]) Subscribe(ctx context.Context) (<-chan Delivery[T], error) {
	out := make(chan Delivery[T])

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q.ch:
				if !ok {
					return
				}

				d := Delivery[T]{
					Data: msg,
					Ack:  func() { /* 記憶體版不用做特別動作 */ },
					Nack: func(requeue bool) {
						if requeue {
							// 簡單模擬重回隊列；滿了就丟棄，交給掃描補償
							select {
							case q.ch <- msg:
							default:
							}
						}
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// 已取出但沒人接收，放回隊列
					select {
					case q.ch <- msg:
					default:
					}
					return
				}
			}
		}
	}()

	return out, nil
}

type MemoryIntentQueue struct {
	*MemoryQueue[model.IntentMessage]
}

func NewMemoryIntentQueue(bufferSize int) *MemoryIntentQueue {
	return &MemoryIntentQueue{NewMemoryQueue[model.IntentMessage](bufferSize)}
}

func (q *MemoryIntentQueue) PublishIntent(ctx context.Context, msg model.IntentMessage) error {
	return q.Publish(ctx, msg)
}

func (q *MemoryIntentQueue) SubscribeIntents(ctx context.Context) (<-chan IntentDelivery, error) {
	return q.Subscribe(ctx)
}

type MemoryCacheDeleteQueue struct {
	*MemoryQueue[model.CacheDeleteMessage]
}

func NewMemoryCacheDeleteQueue(bufferSize int) *MemoryCacheDeleteQueue {
	return &MemoryCacheDeleteQueue{NewMemoryQueue[model.CacheDeleteMessage](bufferSize)}
}

func (q *MemoryCacheDeleteQueue) PublishCacheDelete(ctx context.Context, msg model.CacheDeleteMessage) error {
	return q.Publish(ctx, msg)
}

func (q *MemoryCacheDeleteQueue) SubscribeCacheDeletes(ctx context.Context) (<-chan CacheDeleteDelivery, error) {
	return q.Subscribe(ctx)
}
