package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"cv-analyzer-go/internal/config"
	"cv-analyzer-go/internal/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadResumeStreaming 流式上传简历原件并同时计算MD5，返回对象键和MD5
	UploadResumeStreaming(ctx context.Context, resumeID, fileExt string, reader io.Reader, fileSize int64) (string, string, error)

	// GetPresignedURL 生成限时只读访问URL，交给文本提取器使用
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)

	// DownloadResume 下载简历原件
	DownloadResume(ctx context.Context, objectKey string) ([]byte, error)

	// DeleteResume 删除简历原件
	DeleteResume(ctx context.Context, objectKey string) error
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client       *minio.Client
	cfg          *config.MinIOConfig
	resumeBucket string
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.ResumeBucket
	if bucket == "" {
		bucket = "resumes"
	}

	m := &MinIO{
		client:       client,
		cfg:          cfg,
		resumeBucket: bucket,
	}

	if err := m.ensureBucketExists(bucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保简历存储桶 %s 存在失败: %w", bucket, err)
	}

	// 设置生命周期规则
	if cfg.ResumeFileExpireDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), bucket, "expire-resumes", cfg.ResumeFileExpireDays); err != nil {
			logger.Warn().Err(err).Str("bucket", bucket).Msg("设置存储桶生命周期规则失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		if err := m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置过期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, lc)
}

// UploadResumeStreaming 流式上传简历文件并同时计算MD5
// 返回: objectKey, md5Hex, error
func (m *MinIO) UploadResumeStreaming(ctx context.Context, resumeID, fileExt string, reader io.Reader, fileSize int64) (string, string, error) {
	objectKey := fmt.Sprintf("resume/%s/original%s", resumeID, fileExt)
	contentType := getContentType(fileExt)

	// TeeReader边上传边计算MD5，避免把文件整体读入内存
	md5Hash := md5.New()
	teeReader := io.TeeReader(reader, md5Hash)

	info, err := m.client.PutObject(ctx, m.resumeBucket, objectKey, teeReader,
		fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", fmt.Errorf("流式上传文件到MinIO失败: %w", err)
	}

	md5Hex := hex.EncodeToString(md5Hash.Sum(nil))

	logger.Debug().
		Str("object_key", objectKey).
		Str("etag", info.ETag).
		Int64("size", info.Size).
		Str("md5", md5Hex).
		Msg("简历文件上传完成")

	return objectKey, md5Hex, nil
}

// GetPresignedURL 生成预签名URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	presignedURL, err := m.client.PresignedGetObject(ctx, m.resumeBucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// DownloadResume 下载简历原件
func (m *MinIO) DownloadResume(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.resumeBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.resumeBucket, objectKey, err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", m.resumeBucket, objectKey, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.resumeBucket, objectKey, err)
	}
	return data, nil
}

// DeleteResume 删除简历原件
func (m *MinIO) DeleteResume(ctx context.Context, objectKey string) error {
	if err := m.client.RemoveObject(ctx, m.resumeBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectKey, err)
	}
	return nil
}

// 获取内容类型
func getContentType(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
