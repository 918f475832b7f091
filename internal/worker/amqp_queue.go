package worker

import (
	"context"

	"cv-analyzer-go/internal/storage"
)

// amqpQueue 把RabbitMQ适配为AnalysisQueue
type amqpQueue struct {
	mq        *storage.RabbitMQ
	queueName string
}

// NewAMQPQueue 创建基于RabbitMQ的分析消息队列
func NewAMQPQueue(mq *storage.RabbitMQ, queueName string) AnalysisQueue {
	return &amqpQueue{mq: mq, queueName: queueName}
}

func (q *amqpQueue) Dequeue(ctx context.Context, maxMessages int) ([]Delivery, error) {
	raw, err := q.mq.Dequeue(ctx, q.queueName, maxMessages)
	deliveries := make([]Delivery, 0, len(raw))
	for _, d := range raw {
		deliveries = append(deliveries, &amqpDelivery{d: d})
	}
	return deliveries, err
}

// amqpDelivery 把storage.Delivery适配为worker.Delivery
type amqpDelivery struct {
	d *storage.Delivery
}

func (a *amqpDelivery) Payload() []byte { return a.d.Body }

func (a *amqpDelivery) Attempt() int64 { return a.d.DeliveryCount }

func (a *amqpDelivery) Ack() error { return a.d.Ack() }

func (a *amqpDelivery) Retry() error { return a.d.Retry() }

func (a *amqpDelivery) ExtendLease(ctx context.Context) error { return a.d.ExtendLease(ctx) }
