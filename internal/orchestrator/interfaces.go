package orchestrator

import (
	"context"
	"io"
	"time"

	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/storage/models"
	"cv-analyzer-go/internal/types"
)

// ResumeStore 简历记录的持久化接口
type ResumeStore interface {
	// CreateResumeWithOutbox 在同一事务内创建简历记录和待发布消息
	CreateResumeWithOutbox(ctx context.Context, resume *models.Resume, outboxMsg *models.OutboxMessage) error

	// GetResume 获取简历记录(不含关联)
	GetResume(ctx context.Context, resumeID string) (*models.Resume, error)

	// GetResumeWithDetails 获取简历记录及其建议和候选人信息
	GetResumeWithDetails(ctx context.Context, resumeID string) (*models.Resume, error)

	// MarkProcessing 带状态守卫地把简历标记为处理中，终态记录不受影响
	MarkProcessing(ctx context.Context, resumeID string) (bool, error)

	// SaveExtractedContent 保存提取文本，已有内容时跳过
	SaveExtractedContent(ctx context.Context, resumeID, content string) error

	// CompleteAnalysis 原子写入分析结果，返回本次写入是否生效
	CompleteAnalysis(ctx context.Context, resumeID string, rec *storage.CompletionRecord) (bool, error)

	// MarkFailed 带状态守卫地写入失败终态，返回本次写入是否生效
	MarkFailed(ctx context.Context, resumeID, userMessage string) (bool, error)

	// MigrateAnonymousResumes 把匿名用户的简历转移给已认证用户
	MigrateAnonymousResumes(ctx context.Context, anonymousUserID, targetUserID string) (int64, error)
}

// BlobStore 简历原件的对象存储接口
type BlobStore interface {
	// UploadResumeStreaming 流式上传并计算MD5，返回对象键和MD5
	UploadResumeStreaming(ctx context.Context, resumeID, fileExt string, reader io.Reader, fileSize int64) (string, string, error)

	// GetPresignedURL 生成限时只读访问URL
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)

	// DeleteResume 删除简历原件
	DeleteResume(ctx context.Context, objectKey string) error
}

// DedupStore 文件级去重登记接口
type DedupStore interface {
	// CheckAndRecordFileMD5 原子检查并登记同一用户的文件MD5
	CheckAndRecordFileMD5(ctx context.Context, userID, md5Hex, resumeID string) (bool, string, error)

	// RemoveFileMD5Record 回滚MD5登记，允许重新上传
	RemoveFileMD5Record(ctx context.Context, userID, md5Hex string) error
}

// TextExtractor 从简历原件中提取纯文本
type TextExtractor interface {
	// ExtractText 通过文件的访问URL提取文本
	ExtractText(ctx context.Context, fileURL, fileName string) (string, error)
}

// ResumeAnalyzer 对简历文本执行分析
type ResumeAnalyzer interface {
	// Analyze 分析简历文本，返回评分、优化建议和候选人信息
	Analyze(ctx context.Context, content, userID string) (*types.AnalysisResult, error)
}
