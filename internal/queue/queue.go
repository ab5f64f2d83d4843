package queue

import (
	"context"
	"ticket-rush/internal/model"
)

// Delivery 一筆待處理訊息；Ack 表示處理完成，Nack(true) 表示稍後重試
type Delivery[T any] struct {
	Data *T
	Ack  func()
	Nack func(requeue bool)
}

type IntentDelivery = Delivery[model.IntentMessage]

type CacheDeleteDelivery = Delivery[model.CacheDeleteMessage]

type IntentQueue interface {
	// 發送購票意圖到隊列
	PublishIntent(ctx context.Context, msg model.IntentMessage) error
	// 訂閱購票意圖隊列
	SubscribeIntents(ctx context.Context) (<-chan IntentDelivery, error)
}

// CacheDeleteQueue 快取補償刪除的持久化隊列，必須獨立於快取本身
type CacheDeleteQueue interface {
	PublishCacheDelete(ctx context.Context, msg model.CacheDeleteMessage) error
	SubscribeCacheDeletes(ctx context.Context) (<-chan CacheDeleteDelivery, error)
}
