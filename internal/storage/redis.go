package storage

import (
	"context"
	"fmt"
	"time"

	"cv-analyzer-go/internal/config"
	"cv-analyzer-go/internal/constants"
	"cv-analyzer-go/internal/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("cv-analyzer-go/storage/redis")

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	// 使用扩展的配置选项
	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,     // 默认10
		MinIdleConns: cfg.MinIdleConns, // 默认2

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,  // 默认5秒
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,  // 默认3秒
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second, // 默认3秒

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	// Ping to check connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration 返回配置的MD5记录过期时间
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		days = 365 // 默认1年
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckAndRecordFileMD5 原子地检查并记录同一用户的文件MD5。
// 返回 (已存在, 已存在记录对应的resume_id)。首次记录返回 (false, "")。
// 同一用户重复上传相同文件时，调用方直接返回已存在的resume_id，不再入队。
func (r *Redis) CheckAndRecordFileMD5(ctx context.Context, userID, md5Hex, resumeID string) (exists bool, existingResumeID string, err error) {
	ctx, span := redisTracer.Start(ctx, "Redis.CheckAndRecordFileMD5",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "EVAL"),
		attribute.String("db.redis.member", tracing.SafeRedisKey(md5Hex)),
	)

	if r.Client == nil {
		err = fmt.Errorf("redis client is not initialized")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", err
	}

	setKey := constants.KeyFileMD5Set
	mapKey := fmt.Sprintf(constants.KeyFileMD5ToResumeID, userID, md5Hex)

	// Lua脚本保证"检查+登记"在并发上传下只有一个赢家
	script := `
		local existing = redis.call('GET', KEYS[2])
		if existing then
			return existing
		end
		redis.call('SADD', KEYS[1], ARGV[1])
		redis.call('EXPIRE', KEYS[1], ARGV[3])
		redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
		return ''
	`

	expiry := int64(r.GetMD5ExpireDuration().Seconds())
	res, err := r.Client.Eval(ctx, script, []string{setKey, mapKey}, md5Hex, resumeID, expiry).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", fmt.Errorf("执行原子检查和登记MD5失败: %w", err)
	}

	val, ok := res.(string)
	if !ok {
		err = fmt.Errorf("意外的Redis返回类型: %T", res)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", err
	}

	exists = val != ""
	span.SetAttributes(attribute.Bool("already_exists", exists))
	span.SetStatus(codes.Ok, "")

	return exists, val, nil
}

// RemoveFileMD5Record 删除文件MD5登记，分析永久失败后回滚，允许用户重新上传同一文件
func (r *Redis) RemoveFileMD5Record(ctx context.Context, userID, md5Hex string) error {
	ctx, span := redisTracer.Start(ctx, "Redis.RemoveFileMD5Record",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "DEL"),
		attribute.String("db.redis.member", tracing.SafeRedisKey(md5Hex)),
	)

	if r.Client == nil {
		err := fmt.Errorf("redis client is not initialized")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	mapKey := fmt.Sprintf(constants.KeyFileMD5ToResumeID, userID, md5Hex)
	pipe := r.Client.Pipeline()
	pipe.Del(ctx, mapKey)
	pipe.SRem(ctx, constants.KeyFileMD5Set, md5Hex)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("删除MD5登记失败: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// AcquireProcessingLock 获取某份简历的处理锁，防止同一简历被并发处理。
// 成功返回锁持有者令牌，锁已被占用时返回空串。
func (r *Redis) AcquireProcessingLock(ctx context.Context, resumeID string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	lockKey := fmt.Sprintf(constants.KeyResumeProcessingLock, resumeID)
	// 随机令牌标识持有者，释放时校验归属
	lockValue := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseProcessingLock 释放简历处理锁，使用Lua脚本保证只有持有者能释放
func (r *Redis) ReleaseProcessingLock(ctx context.Context, resumeID string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	lockKey := fmt.Sprintf(constants.KeyResumeProcessingLock, resumeID)
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}

	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}

	return false, nil // 锁不存在或不属于当前持有者
}

// ExtendProcessingLock 延长处理锁的过期时间，worker在进入耗时的分析阶段前续期
func (r *Redis) ExtendProcessingLock(ctx context.Context, resumeID string, lockValue string, expiration time.Duration) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	lockKey := fmt.Sprintf(constants.KeyResumeProcessingLock, resumeID)
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("pexpire", KEYS[1], ARGV[2])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue, expiration.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	if extended, ok := res.(int64); ok && extended == 1 {
		return true, nil
	}
	return false, nil
}
