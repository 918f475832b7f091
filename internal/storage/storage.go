package storage

import (
	"context"
	"fmt"
	"strings"

	"cv-analyzer-go/internal/config"
	"cv-analyzer-go/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖
type Storage struct {
	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 关系型数据库
	MySQL *MySQL

	// 键值存储
	Redis *Redis
}

// NewStorage 创建存储管理器
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	storage := &Storage{}
	var err error
	var initErrors []string

	// 初始化MinIO
	storage.MinIO, err = NewMinIO(&cfg.MinIO)
	if err != nil {
		logger.Warn().Err(err).Msg("初始化MinIO失败")
		initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
	}

	// 初始化RabbitMQ（如果配置了）
	if cfg.RabbitMQ.URL != "" {
		storage.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化RabbitMQ失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		}
	}

	// 初始化MySQL（如果配置了）
	if cfg.MySQL.Host != "" {
		storage.MySQL, err = NewMySQL(&cfg.MySQL)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化MySQL失败")
			initErrors = append(initErrors, fmt.Sprintf("MySQL: %v", err))
		}
	}

	// 初始化Redis (如果配置了)
	if cfg.Redis.Address != "" {
		storage.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化Redis失败")
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	} else {
		logger.Info().Msg("Redis未配置, 跳过初始化")
	}

	// 检查是否所有组件都初始化失败
	if storage.MinIO == nil && storage.RabbitMQ == nil && storage.MySQL == nil && storage.Redis == nil {
		return nil, fmt.Errorf("所有存储组件初始化失败: %s", strings.Join(initErrors, "; "))
	}

	// 如果至少有一个组件初始化成功，则返回存储管理器
	if len(initErrors) > 0 {
		logger.Warn().Str("errors", strings.Join(initErrors, "; ")).Msg("部分存储组件初始化失败")
	}

	return storage, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}

	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	// MinIO客户端无需显式关闭
}
