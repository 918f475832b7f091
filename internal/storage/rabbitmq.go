package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cv-analyzer-go/internal/config"
	"cv-analyzer-go/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageQueue 消息队列接口
type MessageQueue interface {
	// 发布消息
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error

	// 发布JSON格式消息
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error

	// 声明分析主队列拓扑(quorum队列 + 死信poison队列)
	EnsureAnalysisTopology(exchange, routingKey, queueName, poisonExchange, poisonQueue string, deliveryLimit int) error

	// 拉取一批消息，每条消息在Ack/Retry前对其他消费者不可见
	Dequeue(ctx context.Context, queueName string, maxMessages int) ([]*Delivery, error)

	// 关闭连接
	Close() error
}

// 确保RabbitMQ实现了MessageQueue接口
var _ MessageQueue = (*RabbitMQ)(nil)

// Delivery 一条已取出但未确认的消息。
// 未确认的投递本身就是可见性租约：消费者崩溃或连接断开时，
// broker 会把消息重新投递给其他消费者并累加投递计数。
type Delivery struct {
	Body          []byte
	DeliveryCount int64 // broker 记录的已投递次数(x-delivery-count)，首投为0

	ch  *amqp.Channel
	tag uint64
	mq  *RabbitMQ
}

// Ack 确认消息，处理成功或永久失败时调用
func (d *Delivery) Ack() error {
	err := d.ch.Ack(d.tag, false)
	d.mq.putChannel(d.ch)
	d.ch = nil
	return err
}

// Retry 将消息退回队列等待重投递。quorum 队列会累加投递计数，
// 超过 x-delivery-limit 后 broker 自动把消息送入 poison 队列。
func (d *Delivery) Retry() error {
	err := d.ch.Nack(d.tag, false, true)
	d.mq.putChannel(d.ch)
	d.ch = nil
	return err
}

// ExtendLease 在已知的长耗时操作(如AI调用)前调用。
// AMQP 下未确认的投递没有显式超时，租约随连接存活，这里只做记录，
// 保留调用点是为了让处理流程对租约语义保持显式。
func (d *Delivery) ExtendLease(ctx context.Context) error {
	logger.Ctx(ctx).Debug().Uint64("delivery_tag", d.tag).Msg("延长消息租约(AMQP下为空操作)")
	return nil
}

// RabbitMQ 提供消息队列功能
type RabbitMQ struct {
	conn         *amqp.Connection
	channelPool  sync.Pool
	exchangeMap  map[string]bool // 记录已声明的exchange
	queueMap     map[string]bool // 记录已声明的queue
	bindingMap   map[string]bool // 记录已创建的binding (key格式: "exchange:queue:routingKey")
	declareMutex sync.Mutex      // 保护声明缓存
	publishMutex sync.Mutex      // 保护发布操作
	cfg          *config.RabbitMQConfig
}

// NewRabbitMQ 创建RabbitMQ客户端
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器 (%s): %w", cfg.URL, err)
	}

	mq := &RabbitMQ{
		conn:        conn,
		exchangeMap: make(map[string]bool),
		queueMap:    make(map[string]bool),
		bindingMap:  make(map[string]bool),
		cfg:         cfg,
	}

	mq.channelPool = sync.Pool{
		New: func() interface{} {
			ch, errPool := conn.Channel()
			if errPool != nil {
				logger.Error().Err(errPool).Msg("创建RabbitMQ通道失败")
				return nil
			}
			return ch
		},
	}

	// 测试连接和通道
	testCh := mq.getChannel()
	if testCh == nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道")
	}
	mq.putChannel(testCh)

	logger.Info().Str("url", cfg.URL).Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

// 获取可用通道
func (r *RabbitMQ) getChannel() *amqp.Channel {
	ch := r.channelPool.Get()
	if ch == nil {
		newCh, err := r.conn.Channel()
		if err != nil {
			logger.Error().Err(err).Msg("创建新RabbitMQ通道失败")
			return nil
		}
		return newCh
	}
	c := ch.(*amqp.Channel)
	if c.IsClosed() {
		newCh, err := r.conn.Channel()
		if err != nil {
			logger.Error().Err(err).Msg("创建新RabbitMQ通道失败")
			return nil
		}
		return newCh
	}
	return c
}

// 归还通道到池
func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		r.channelPool.Put(ch)
	}
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// EnsureAnalysisTopology 声明分析管线的完整队列拓扑:
//   - 主交换机 + quorum 主队列，x-delivery-limit 限制单条消息的投递次数
//   - 死信交换机 + poison 队列，超限消息由 broker 自动路由到这里
func (r *RabbitMQ) EnsureAnalysisTopology(exchange, routingKey, queueName, poisonExchange, poisonQueue string, deliveryLimit int) error {
	if exchange == "" || queueName == "" || poisonExchange == "" || poisonQueue == "" {
		return fmt.Errorf("拓扑声明参数不完整")
	}
	if deliveryLimit <= 0 {
		deliveryLimit = 5
	}

	if err := r.ensureExchange(poisonExchange, "direct", true); err != nil {
		return err
	}
	if err := r.ensureQueue(poisonQueue, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return err
	}
	if err := r.bindQueue(poisonQueue, poisonExchange, routingKey); err != nil {
		return err
	}

	if err := r.ensureExchange(exchange, "direct", true); err != nil {
		return err
	}
	if err := r.ensureQueue(queueName, amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int32(deliveryLimit),
		"x-dead-letter-exchange": poisonExchange,
	}); err != nil {
		return err
	}
	return r.bindQueue(queueName, exchange, routingKey)
}

// ensureExchange 确保exchange存在
func (r *RabbitMQ) ensureExchange(exchangeName, exchangeType string, durable bool) error {
	r.declareMutex.Lock()
	defer r.declareMutex.Unlock()

	if _, exists := r.exchangeMap[exchangeName]; exists {
		return nil
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	err := ch.ExchangeDeclare(
		exchangeName, // exchange名称
		exchangeType, // exchange类型
		durable,      // 持久化
		false,        // 自动删除
		false,        // 内部专用
		false,        // 非阻塞
		nil,          // 参数
	)
	if err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}

	r.exchangeMap[exchangeName] = true
	logger.Debug().Str("exchange", exchangeName).Msg("已确保exchange存在")
	return nil
}

// ensureQueue 确保队列存在，args 携带 quorum/死信等队列参数
func (r *RabbitMQ) ensureQueue(queueName string, args amqp.Table) error {
	r.declareMutex.Lock()
	defer r.declareMutex.Unlock()

	if _, exists := r.queueMap[queueName]; exists {
		return nil
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	_, err := ch.QueueDeclare(
		queueName, // 队列名称
		true,      // 持久化
		false,     // 自动删除
		false,     // 独占
		false,     // 非阻塞
		args,      // 参数
	)
	if err != nil {
		return fmt.Errorf("声明队列失败: %w", err)
	}

	r.queueMap[queueName] = true
	logger.Debug().Str("queue", queueName).Msg("已确保队列存在")
	return nil
}

// bindQueue 绑定队列到exchange
func (r *RabbitMQ) bindQueue(queueName, exchangeName, routingKey string) error {
	r.declareMutex.Lock()
	defer r.declareMutex.Unlock()

	bindingKey := fmt.Sprintf("%s:%s:%s", exchangeName, queueName, routingKey)
	if _, exists := r.bindingMap[bindingKey]; exists {
		return nil
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	err := ch.QueueBind(
		queueName,    // 队列名
		routingKey,   // 路由键
		exchangeName, // exchange名
		false,        // 非阻塞
		nil,          // 参数
	)
	if err != nil {
		return fmt.Errorf("绑定队列到exchange失败: %w", err)
	}

	r.bindingMap[bindingKey] = true
	return nil
}

// PublishMessage 发布消息到exchange
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	var deliveryMode uint8 = 1 // 非持久化
	if persistent {
		deliveryMode = 2 // 持久化
	}

	return ch.PublishWithContext(
		ctx,
		exchangeName, // exchange名
		routingKey,   // 路由键
		false,        // 强制
		false,        // 立即
		amqp.Publishing{
			DeliveryMode: deliveryMode,
			ContentType:  "application/json",
			Body:         message,
			Timestamp:    time.Now(),
		},
	)
}

// PublishJSON 发布JSON格式的消息
func (r *RabbitMQ) PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("JSON序列化失败: %w", err)
	}

	return r.PublishMessage(ctx, exchangeName, routingKey, jsonData, persistent)
}

// Dequeue 用 basic.Get 拉取最多 maxMessages 条消息。
// 取出的消息持有各自的通道直到 Ack/Retry，保证未确认投递的租约语义。
func (r *RabbitMQ) Dequeue(ctx context.Context, queueName string, maxMessages int) ([]*Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	deliveries := make([]*Delivery, 0, maxMessages)
	for i := 0; i < maxMessages; i++ {
		select {
		case <-ctx.Done():
			return deliveries, ctx.Err()
		default:
		}

		ch := r.getChannel()
		if ch == nil {
			return deliveries, fmt.Errorf("无法获取RabbitMQ通道")
		}

		msg, ok, err := ch.Get(queueName, false)
		if err != nil {
			r.putChannel(ch)
			return deliveries, fmt.Errorf("从队列 %s 拉取消息失败: %w", queueName, err)
		}
		if !ok {
			// 队列已空
			r.putChannel(ch)
			break
		}

		deliveries = append(deliveries, &Delivery{
			Body:          msg.Body,
			DeliveryCount: deliveryCountFromHeaders(msg.Headers),
			ch:            ch,
			tag:           msg.DeliveryTag,
			mq:            r,
		})
	}

	return deliveries, nil
}

// deliveryCountFromHeaders 读取 quorum 队列在重投递时附带的 x-delivery-count
func deliveryCountFromHeaders(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// StartConsumer 启动推模式消费者，用于 poison 队列的排水处理。
// handler 返回 true 表示确认消息，false 表示拒绝并重新入队。
func (r *RabbitMQ) StartConsumer(queueName string, prefetchCount int, handler func([]byte) bool) (chan<- struct{}, error) {
	stopCh := make(chan struct{})

	ch := r.getChannel()
	if ch == nil {
		return nil, fmt.Errorf("无法获取RabbitMQ通道")
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		r.putChannel(ch)
		return nil, fmt.Errorf("设置QoS失败: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // 队列
		"",        // 消费者标签，留空由server生成唯一标签
		false,     // 自动确认
		false,     // 独占
		false,     // 非本地
		false,     // 非阻塞
		nil,       // 参数
	)
	if err != nil {
		r.putChannel(ch)
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}

	go func() {
		defer r.putChannel(ch)
		defer logger.Info().Str("queue", queueName).Msg("RabbitMQ消费者已停止")

		logger.Info().Str("queue", queueName).Int("prefetch", prefetchCount).Msg("RabbitMQ消费者已启动")

		for {
			select {
			case <-stopCh:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					logger.Warn().Str("queue", queueName).Msg("RabbitMQ通道已关闭")
					return
				}

				if handler(delivery.Body) {
					if err := delivery.Ack(false); err != nil {
						logger.Error().Err(err).Msg("确认消息失败")
					}
				} else {
					if err := delivery.Nack(false, true); err != nil {
						logger.Error().Err(err).Msg("拒绝消息失败")
					}
				}
			}
		}
	}()

	return stopCh, nil
}
