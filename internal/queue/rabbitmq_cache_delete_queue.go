package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"ticket-rush/internal/model"
	"ticket-rush/pkg/logger"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DialFunc 建立新的 broker 連線，斷線重連時會再次呼叫
type DialFunc func() (*amqp.Connection, error)

type RabbitMQCacheDeleteQueueImpl struct {
	dial      DialFunc
	queueName string
	prefetch  int
	log       *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQCacheDeleteQueue 連線延遲到第一次 publish / subscribe 才建立
func NewRabbitMQCacheDeleteQueue(dial DialFunc, queueName string, prefetch int) *RabbitMQCacheDeleteQueueImpl {
	if prefetch <= 0 {
		prefetch = 50
	}
	return &RabbitMQCacheDeleteQueueImpl{
		dial:      dial,
		queueName: queueName,
		prefetch:  prefetch,
		log:       logger.WithComponent("mq"),
	}
}

// publishChannel 取得(或重建)發送用 channel，呼叫端需持有 q.mu
func (q *RabbitMQCacheDeleteQueueImpl) publishChannel() (*amqp.Channel, error) {
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	if q.conn == nil || q.conn.IsClosed() {
		conn, err := q.dial()
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		q.conn = conn
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	q.ch = ch
	return ch, nil
}

func (q *RabbitMQCacheDeleteQueueImpl) PublishCacheDelete(ctx context.Context, msg model.CacheDeleteMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal cache delete: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.publishChannel()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", q.queueName, false, false, pub); err != nil {
		// 下次 publish 重建 channel
		_ = ch.Close()
		q.ch = nil
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// SubscribeCacheDeletes 獨立連線消費；連線中斷時以指數退避重連，直到 ctx 結束
func (q *RabbitMQCacheDeleteQueueImpl) SubscribeCacheDeletes(ctx context.Context) (<-chan CacheDeleteDelivery, error) {
	out := make(chan CacheDeleteDelivery)

	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			err := q.consumeOnce(ctx, out)
			if err == nil || ctx.Err() != nil {
				return
			}
			q.log.Warn("cache delete consumer stopped, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	return out, nil
}

func (q *RabbitMQCacheDeleteQueueImpl) consumeOnce(ctx context.Context, out chan<- CacheDeleteDelivery) error {
	conn, err := q.dial()
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		q.log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			var msg model.CacheDeleteMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				q.log.Warn("unmarshal cache delete failed", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			amqpDelivery := d
			delivery := CacheDeleteDelivery{
				Data: &msg,
				Ack: func() {
					if err := amqpDelivery.Ack(false); err != nil {
						q.log.Error("ack failed", zap.Error(err))
					}
				},
				Nack: func(requeue bool) {
					if err := amqpDelivery.Nack(false, requeue); err != nil {
						q.log.Error("nack failed", zap.Error(err))
					}
				},
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return nil
			}
		}
	}
}

// Close 關閉發送用的連線
func (q *RabbitMQCacheDeleteQueueImpl) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
