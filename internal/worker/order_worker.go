package worker

import (
	"context"
	"sync"
	"ticket-rush/internal/model"
	"ticket-rush/internal/queue"
	"ticket-rush/pkg/logger"

	"go.uber.org/zap"
)

// Dispatcher 把一筆 intent 訊息落地成訂單
type Dispatcher interface {
	Dispatch(ctx context.Context, msg model.IntentMessage) error
}

type OrderWorker interface {
	// 訂閱購票意圖隊列
	Start(ctx context.Context) error
	// Wait 等待所有 consumer 結束
	Wait()
}

type OrderWorkerImpl struct {
	dispatcher Dispatcher
	queue      queue.IntentQueue
	workers    int
	wg         sync.WaitGroup
	log        *zap.Logger
}

func NewOrderWorker(dispatcher Dispatcher, queue queue.IntentQueue, workers int) OrderWorker {
	if workers < 1 {
		workers = 1
	}
	return &OrderWorkerImpl{
		dispatcher: dispatcher,
		queue:      queue,
		workers:    workers,
		log:        logger.WithComponent("pipeline"),
	}
}

func (w *OrderWorkerImpl) Start(ctx context.Context) error {
	msgs, err := w.queue.SubscribeIntents(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for msg := range msgs {
				w.handle(ctx, msg)
			}
		}()
	}
	return nil
}

func (w *OrderWorkerImpl) handle(ctx context.Context, msg queue.IntentDelivery) {
	// 訂單 commit 之後才 ack；失敗就放回隊列，多次失敗交給 sweep
	if err := w.dispatcher.Dispatch(ctx, *msg.Data); err != nil {
		w.log.Warn("dispatch failed, requeue",
			zap.String("intent_id", msg.Data.IntentID.String()),
			zap.Int("attempt", msg.Data.Attempt),
			zap.Error(err),
		)
		msg.Nack(true)
		return
	}
	msg.Ack()
}

func (w *OrderWorkerImpl) Wait() {
	w.wg.Wait()
}
