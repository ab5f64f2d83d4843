package worker

import (
	"context"
	"sync"
	"ticket-rush/internal/queue"
	"ticket-rush/pkg/clock"
	"ticket-rush/pkg/logger"
	"time"

	"go.uber.org/zap"
)

// retryDelay 快取暫時不可用時，放回隊列前先等一下
const retryDelay = time.Second

// CacheDeleter 無條件刪除快取 key
type CacheDeleter interface {
	Delete(ctx context.Context, key string) error
}

// CacheDeleteWorker 補償刪除的接收端，在訊息指定的時間之後才刪除
type CacheDeleteWorker struct {
	deleter CacheDeleter
	queue   queue.CacheDeleteQueue
	clock   clock.Clock
	wg      sync.WaitGroup
	log     *zap.Logger
}

func NewCacheDeleteWorker(deleter CacheDeleter, queue queue.CacheDeleteQueue, clk clock.Clock) *CacheDeleteWorker {
	if clk == nil {
		clk = clock.Real()
	}
	return &CacheDeleteWorker{
		deleter: deleter,
		queue:   queue,
		clock:   clk,
		log:     logger.WithComponent("cache"),
	}
}

func (w *CacheDeleteWorker) Start(ctx context.Context) error {
	msgs, err := w.queue.SubscribeCacheDeletes(ctx)
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for msg := range msgs {
			w.handle(ctx, msg)
		}
	}()
	return nil
}

func (w *CacheDeleteWorker) handle(ctx context.Context, msg queue.CacheDeleteDelivery) {
	data := msg.Data

	if wait := data.DueAt().Sub(w.clock.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			msg.Nack(true)
			return
		case <-w.clock.After(wait):
		}
	}

	if err := w.deleter.Delete(ctx, data.CacheKey); err != nil {
		w.log.Warn("compensating cache delete failed, requeue",
			zap.String("cache_key", data.CacheKey),
			zap.String("reason", data.Reason),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-w.clock.After(retryDelay):
		}
		msg.Nack(true)
		return
	}

	w.log.Info("compensating cache delete done",
		zap.String("cache_key", data.CacheKey),
		zap.String("reason", data.Reason),
	)
	msg.Ack()
}

func (w *CacheDeleteWorker) Wait() {
	w.wg.Wait()
}
