package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cv-analyzer-go/internal/config"
	"cv-analyzer-go/internal/constants"
	applogger "cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/storage/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("cv-analyzer-go/storage/mysql")

// ErrResumeNotFound 指定ID的简历记录不存在
var ErrResumeNotFound = errors.New("简历记录不存在")

// GormTracingPlugin 是一个GORM插件，向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	return cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after())
}

type gormSpanKey struct{}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		newCtx, span := p.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)

		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// ErrRecordNotFound 是业务逻辑正常情况的一部分，不作为错误处理
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		disableErrSkip: true,
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	applogger.Info().Str("database", cfg.Database).Msg("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	silentDB := m.db.Session(&gorm.Session{Logger: m.db.Logger.LogMode(logger.Silent)})
	return silentDB.AutoMigrate(
		&models.Resume{},
		&models.CandidateInfo{},
		&models.Suggestion{},
		&models.OutboxMessage{},
	)
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreateResumeWithOutbox 在同一事务内创建简历记录和对应的outbox消息。
// 记录落库即保证消息最终会被发布，Submit 不存在"记录已建但消息丢失"的窗口。
func (m *MySQL) CreateResumeWithOutbox(ctx context.Context, resume *models.Resume, outboxMsg *models.OutboxMessage) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(resume).Error; err != nil {
			return fmt.Errorf("创建简历记录失败: %w", err)
		}
		if err := tx.Create(outboxMsg).Error; err != nil {
			return fmt.Errorf("创建outbox消息失败: %w", err)
		}
		return nil
	})
}

// GetResume 获取简历记录(不含关联)
func (m *MySQL) GetResume(ctx context.Context, resumeID string) (*models.Resume, error) {
	var resume models.Resume
	err := m.db.WithContext(ctx).Where("resume_id = ?", resumeID).First(&resume).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResumeNotFound
		}
		return nil, fmt.Errorf("查询简历记录失败: %w", err)
	}
	return &resume, nil
}

// GetResumeWithDetails 获取简历记录及其建议和候选人信息
func (m *MySQL) GetResumeWithDetails(ctx context.Context, resumeID string) (*models.Resume, error) {
	var resume models.Resume
	err := m.db.WithContext(ctx).
		Preload("CandidateInfo").
		Preload("Suggestions").
		Where("resume_id = ?", resumeID).
		First(&resume).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResumeNotFound
		}
		return nil, fmt.Errorf("查询简历记录失败: %w", err)
	}
	return &resume, nil
}

// MarkProcessing 将简历标记为处理中。带状态守卫：只有 PENDING 或
// PROCESSING(重投递场景) 的记录会被更新，终态记录不受影响。
func (m *MySQL) MarkProcessing(ctx context.Context, resumeID string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.Resume{}).
		Where("resume_id = ? AND status IN ?", resumeID,
			[]string{constants.StatusPending, constants.StatusProcessing}).
		Update("status", constants.StatusProcessing)
	if result.Error != nil {
		return false, fmt.Errorf("更新简历状态失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SaveExtractedContent 保存提取出的文本。content 一经写入不可变，
// 重投递时跳过已有内容的记录。
func (m *MySQL) SaveExtractedContent(ctx context.Context, resumeID, content string) error {
	err := m.db.WithContext(ctx).Model(&models.Resume{}).
		Where("resume_id = ? AND (content IS NULL OR content = '')", resumeID).
		Update("content", content).Error
	if err != nil {
		return fmt.Errorf("保存提取文本失败: %w", err)
	}
	return nil
}

// CompletionRecord 完成分析时原子写入的全部字段
type CompletionRecord struct {
	Score            float64
	OptimizedContent string
	CandidateInfo    *models.CandidateInfo
	Suggestions      []models.Suggestion
}

// CompleteAnalysis 原子地写入分析结果并把状态推进到 COMPLETED。
// 状态守卫 status=PROCESSING 保证并发/重复投递下只有一次写入生效；
// 返回 false 表示另一次投递已经抢先完成(或记录已失败)，调用方按成功处理。
func (m *MySQL) CompleteAnalysis(ctx context.Context, resumeID string, rec *CompletionRecord) (bool, error) {
	won := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&models.Resume{}).
			Where("resume_id = ? AND status = ?", resumeID, constants.StatusProcessing).
			Updates(map[string]interface{}{
				"status":            constants.StatusCompleted,
				"score":             rec.Score,
				"optimized_content": rec.OptimizedContent,
				"analyzed_at":       now,
				"error_message":     nil,
			})
		if result.Error != nil {
			return fmt.Errorf("更新简历完成状态失败: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// 状态守卫未命中，另一次投递已写入终态，放弃本次写入
			return nil
		}
		won = true

		// 先清理再写入，保证重投递不会产生重复的建议/候选人信息
		if err := tx.Where("resume_id = ?", resumeID).Delete(&models.Suggestion{}).Error; err != nil {
			return fmt.Errorf("清理旧建议失败: %w", err)
		}
		if err := tx.Where("resume_id = ?", resumeID).Delete(&models.CandidateInfo{}).Error; err != nil {
			return fmt.Errorf("清理旧候选人信息失败: %w", err)
		}

		if len(rec.Suggestions) > 0 {
			for i := range rec.Suggestions {
				rec.Suggestions[i].ResumeID = resumeID
				rec.Suggestions[i].ID = 0
			}
			if err := tx.Create(&rec.Suggestions).Error; err != nil {
				return fmt.Errorf("写入建议失败: %w", err)
			}
		}
		if rec.CandidateInfo != nil {
			rec.CandidateInfo.ResumeID = resumeID
			rec.CandidateInfo.ID = 0
			if err := tx.Create(rec.CandidateInfo).Error; err != nil {
				return fmt.Errorf("写入候选人信息失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// MarkFailed 将简历标记为失败并写入通用提示。
// 守卫排除两个终态，保证 COMPLETED 不会被回退、FAILED 不被重复写。
func (m *MySQL) MarkFailed(ctx context.Context, resumeID, userMessage string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.Resume{}).
		Where("resume_id = ? AND status NOT IN ?", resumeID,
			[]string{constants.StatusCompleted, constants.StatusFailed}).
		Updates(map[string]interface{}{
			"status":        constants.StatusFailed,
			"error_message": userMessage,
		})
	if result.Error != nil {
		return false, fmt.Errorf("更新简历失败状态失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MigrateAnonymousResumes 把匿名用户的简历原子地转移给已认证用户。
// 单条UPDATE完成所有权变更并清除过期时间，不做记录复制。
func (m *MySQL) MigrateAnonymousResumes(ctx context.Context, anonymousUserID, targetUserID string) (int64, error) {
	result := m.db.WithContext(ctx).Model(&models.Resume{}).
		Where("user_id = ? AND is_anonymous = ?", anonymousUserID, true).
		Updates(map[string]interface{}{
			"user_id":              targetUserID,
			"is_anonymous":         false,
			"anonymous_expires_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("迁移匿名简历失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListExpiredAnonymousResumes 列出已过期的匿名简历，供清理任务删除
func (m *MySQL) ListExpiredAnonymousResumes(ctx context.Context, now time.Time, limit int) ([]models.Resume, error) {
	var resumes []models.Resume
	err := m.db.WithContext(ctx).
		Where("is_anonymous = ? AND anonymous_expires_at IS NOT NULL AND anonymous_expires_at < ?", true, now).
		Limit(limit).
		Find(&resumes).Error
	if err != nil {
		return nil, fmt.Errorf("查询过期匿名简历失败: %w", err)
	}
	return resumes, nil
}

// DeleteResume 物理删除简历及其关联记录(匿名过期清理专用)
func (m *MySQL) DeleteResume(ctx context.Context, resumeID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("resume_id = ?", resumeID).Delete(&models.Suggestion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("resume_id = ?", resumeID).Delete(&models.CandidateInfo{}).Error; err != nil {
			return err
		}
		return tx.Where("resume_id = ?", resumeID).Delete(&models.Resume{}).Error
	})
}
