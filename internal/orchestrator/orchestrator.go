package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"cv-analyzer-go/internal/constants"
	"cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/storage/models"
	"cv-analyzer-go/internal/tracing"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cv-analyzer-go/orchestrator")

// 支持的简历文件格式
var allowedFileExts = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".txt":  true,
	".html": true,
}

// Orchestrator 简历分析流水线的编排器。
// Submit 是同步入口，ProcessMessage 由worker在消费消息时调用。
type Orchestrator struct {
	store     ResumeStore
	blob      BlobStore
	dedup     DedupStore
	extractor TextExtractor
	analyzer  ResumeAnalyzer

	presignExpiry time.Duration
	anonymousTTL  time.Duration
}

// Option 编排器配置选项
type Option func(*Orchestrator)

// WithPresignExpiry 设置提取文本时预签名URL的有效期
func WithPresignExpiry(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.presignExpiry = d
		}
	}
}

// WithAnonymousTTL 设置匿名简历的保留时长
func WithAnonymousTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.anonymousTTL = d
		}
	}
}

// New 创建编排器
func New(store ResumeStore, blob BlobStore, dedup DedupStore, extractor TextExtractor, analyzer ResumeAnalyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		blob:          blob,
		dedup:         dedup,
		extractor:     extractor,
		analyzer:      analyzer,
		presignExpiry: 15 * time.Minute,
		anonymousTTL:  constants.AnonymousResumeTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitRequest 上传简历的请求参数
type SubmitRequest struct {
	UserID   string
	FileName string
	FileSize int64
	File     io.Reader
}

// SubmitResult 上传结果
type SubmitResult struct {
	ResumeID  string
	UserID    string // 未提供用户ID时为合成的匿名ID，调用方需回传给客户端
	Duplicate bool   // 同一用户重复上传相同文件
}

// Submit 接收简历上传：校验、存储原件、落库并经由outbox入队。
// 简历记录和待发布消息在同一事务内写入，记录创建成功即保证消息最终可达。
func (o *Orchestrator) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Submit", trace.WithAttributes(
		attribute.String("user_id", tracing.SafeAttributeValue("user_id", req.UserID, tracing.DefaultMaxLength)),
		attribute.Int64("file_size", req.FileSize),
	))
	defer span.End()

	if req.FileSize <= 0 {
		return nil, &AnalysisError{Op: "submit", BaseErr: ErrEmptyDocument, Detail: "上传文件为空"}
	}
	if req.FileSize > constants.MaxResumeFileSize {
		return nil, &AnalysisError{Op: "submit", BaseErr: ErrFileTooLarge,
			Detail: fmt.Sprintf("文件大小 %d 字节超过上限 %d 字节", req.FileSize, constants.MaxResumeFileSize)}
	}

	fileExt := strings.ToLower(filepath.Ext(req.FileName))
	if fileExt == ".htm" {
		fileExt = ".html"
	}
	if !allowedFileExts[fileExt] {
		return nil, &AnalysisError{Op: "submit", BaseErr: ErrUnsupportedDocument,
			Detail: fmt.Sprintf("不支持的文件扩展名: %q", fileExt)}
	}

	// 未登录调用方没有用户ID，合成一个匿名会话ID
	if req.UserID == "" {
		anonID, err := uuid.NewV7()
		if err != nil {
			return nil, newStoreError("", fmt.Sprintf("生成匿名用户ID失败: %v", err))
		}
		req.UserID = constants.AnonymousUserPrefix + anonID.String()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, newStoreError("", fmt.Sprintf("生成简历ID失败: %v", err))
	}
	resumeID := id.String()
	ctx = logger.WithResumeID(ctx, resumeID)
	span.SetAttributes(attribute.String("resume_id", resumeID))

	objectKey, md5Hex, err := o.blob.UploadResumeStreaming(ctx, resumeID, fileExt, req.File, req.FileSize)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeBlob)
		return nil, newBlobError(resumeID, err.Error())
	}

	// 同一用户重复上传相同文件时直接复用已有记录
	if o.dedup != nil {
		exists, existingID, derr := o.dedup.CheckAndRecordFileMD5(ctx, req.UserID, md5Hex, resumeID)
		if derr != nil {
			// 去重登记失败不阻断上传，最多产生一次重复分析
			logger.Ctx(ctx).Warn().Err(derr).Msg("文件MD5去重登记失败，继续处理")
		} else if exists && existingID != "" {
			if derr := o.blob.DeleteResume(ctx, objectKey); derr != nil {
				logger.Ctx(ctx).Warn().Err(derr).Str("object_key", objectKey).Msg("清理重复上传的原件失败")
			}
			logger.Ctx(ctx).Info().
				Str("existing_resume_id", existingID).
				Str("md5", md5Hex).
				Msg("检测到重复上传，复用已有简历记录")
			return &SubmitResult{ResumeID: existingID, UserID: req.UserID, Duplicate: true}, nil
		}
	}

	now := time.Now()
	resume := &models.Resume{
		ResumeID:   resumeID,
		UserID:     req.UserID,
		FileName:   req.FileName,
		BlobURL:    objectKey,
		RawFileMD5: md5Hex,
		Status:     constants.StatusPending,
	}
	if strings.HasPrefix(req.UserID, constants.AnonymousUserPrefix) {
		expiresAt := now.Add(o.anonymousTTL)
		resume.IsAnonymous = true
		resume.AnonymousExpiresAt = &expiresAt
	}

	payload, err := json.Marshal(&storage.AnalysisRequestMessage{
		ResumeID:    resumeID,
		UserID:      req.UserID,
		FileName:    req.FileName,
		BlobURL:     objectKey,
		RawFileMD5:  md5Hex,
		SubmittedAt: now,
	})
	if err != nil {
		return nil, newStoreError(resumeID, fmt.Sprintf("序列化分析请求消息失败: %v", err))
	}

	outboxMsg := &models.OutboxMessage{
		AggregateID:      resumeID,
		EventType:        constants.EventTypeAnalysisRequested,
		Payload:          string(payload),
		TargetExchange:   constants.AnalysisExchange,
		TargetRoutingKey: constants.AnalysisRoutingKey,
	}

	if err := o.store.CreateResumeWithOutbox(ctx, resume, outboxMsg); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		// 事务失败时回滚去重登记，原件由存储桶生命周期规则兜底清理
		if o.dedup != nil {
			if derr := o.dedup.RemoveFileMD5Record(ctx, req.UserID, md5Hex); derr != nil {
				logger.Ctx(ctx).Warn().Err(derr).Msg("回滚MD5登记失败")
			}
		}
		return nil, newStoreError(resumeID, err.Error())
	}

	logger.Ctx(ctx).Info().
		Str("user_id", req.UserID).
		Str("file_name", req.FileName).
		Int64("file_size", req.FileSize).
		Bool("anonymous", resume.IsAnonymous).
		Msg("简历已接收，等待分析")

	span.SetStatus(codes.Ok, "")
	return &SubmitResult{ResumeID: resumeID, UserID: req.UserID}, nil
}

// ProcessMessage 处理一条分析请求消息。
// 整个流程可安全重入：已完成的记录直接跳过，中途失败的记录重投递后
// 从保存的进度继续。返回错误的分类由调用方通过 Classify 判定。
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg *storage.AnalysisRequestMessage) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.ProcessMessage", trace.WithAttributes(
		attribute.String("resume_id", msg.ResumeID),
	))
	defer span.End()

	ctx = logger.WithResumeID(ctx, msg.ResumeID)

	resume, err := o.store.GetResume(ctx, msg.ResumeID)
	if err != nil {
		if errors.Is(err, storage.ErrResumeNotFound) {
			// 消息指向不存在的记录，重试无意义
			return &AnalysisError{ResumeID: msg.ResumeID, Op: "load", BaseErr: ErrResumeNotFound}
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return newStoreError(msg.ResumeID, err.Error())
	}

	// 重复投递：记录已到终态则本次投递视为成功
	if constants.IsTerminalStatus(resume.Status) {
		logger.Ctx(ctx).Info().Str("status", resume.Status).Msg("简历已处理完成，跳过重复投递")
		span.SetStatus(codes.Ok, "already terminal")
		return nil
	}

	ok, err := o.store.MarkProcessing(ctx, msg.ResumeID)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return newStoreError(msg.ResumeID, err.Error())
	}
	if !ok {
		// 守卫未命中只可能是另一次投递刚写入了终态
		logger.Ctx(ctx).Info().Msg("状态推进守卫未命中，简历已到终态")
		span.SetStatus(codes.Ok, "already terminal")
		return nil
	}

	content := resume.Content
	if content == "" {
		content, err = o.extractContent(ctx, resume)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeExtract)
			return err
		}
	}
	span.SetAttributes(
		attribute.Int("content_length", len(content)),
		attribute.String("content_preview", tracing.SafeResumeContent(content)),
	)

	result, err := o.analyzer.Analyze(ctx, content, resume.UserID)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return newAnalyzeError(msg.ResumeID, "分析超时: "+err.Error())
		}
		return newAnalyzeError(msg.ResumeID, err.Error())
	}
	if result == nil {
		return newUnusableAnalysisError(msg.ResumeID, "分析器返回空结果")
	}

	rec := &storage.CompletionRecord{
		Score:            result.Score,
		OptimizedContent: result.OptimizedContent,
	}
	for _, s := range result.Suggestions {
		rec.Suggestions = append(rec.Suggestions, models.Suggestion{
			Category:    s.Category,
			Description: s.Description,
			Priority:    s.Priority,
		})
	}
	if ci := result.CandidateInfo; ci != nil {
		skills, merr := json.Marshal(ci.Skills)
		if merr != nil {
			skills = []byte("[]")
		}
		rec.CandidateInfo = &models.CandidateInfo{
			Name:            ci.Name,
			Email:           ci.Email,
			Phone:           ci.Phone,
			Skills:          skills,
			YearsExperience: ci.YearsExperience,
		}
	}

	won, err := o.store.CompleteAnalysis(ctx, msg.ResumeID, rec)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return newStoreError(msg.ResumeID, err.Error())
	}
	if !won {
		logger.Ctx(ctx).Info().Msg("另一次投递已先写入终态，丢弃本次结果")
		span.SetStatus(codes.Ok, "lost completion race")
		return nil
	}

	logger.Ctx(ctx).Info().
		Float64("score", result.Score).
		Int("suggestions", len(result.Suggestions)).
		Str("model", result.Metadata.ModelUsed).
		Msg("简历分析完成")

	span.SetStatus(codes.Ok, "")
	return nil
}

// extractContent 下载原件并提取文本，成功后立即保存，
// 后续重投递直接复用已提取的文本。
func (o *Orchestrator) extractContent(ctx context.Context, resume *models.Resume) (string, error) {
	fileURL, err := o.blob.GetPresignedURL(ctx, resume.BlobURL, o.presignExpiry)
	if err != nil {
		return "", newBlobError(resume.ResumeID, "生成预签名URL失败: "+err.Error())
	}

	text, err := o.extractor.ExtractText(ctx, fileURL, resume.FileName)
	if err != nil {
		return "", newExtractError(resume.ResumeID, err.Error())
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", newEmptyDocumentError(resume.ResumeID, "提取结果为空文本")
	}

	if err := o.store.SaveExtractedContent(ctx, resume.ResumeID, text); err != nil {
		return "", newStoreError(resume.ResumeID, "保存提取文本失败: "+err.Error())
	}

	logger.Ctx(ctx).Debug().Int("content_length", len(text)).Msg("简历文本提取完成")
	return text, nil
}

// MarkPermanentlyFailed 把简历写入失败终态并回滚去重登记。
// 永久失败和投递次数耗尽两条路径都汇聚到这里。
// 用户可见的错误信息始终是通用提示，具体原因只进日志。
func (o *Orchestrator) MarkPermanentlyFailed(ctx context.Context, msg *storage.AnalysisRequestMessage, cause error) {
	ctx = logger.WithResumeID(ctx, msg.ResumeID)

	won, err := o.store.MarkFailed(ctx, msg.ResumeID, constants.GenericFailureMessage)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("写入失败终态失败")
		return
	}
	if !won {
		logger.Ctx(ctx).Info().Msg("简历已到终态，跳过失败标记")
		return
	}

	// 回滚MD5登记，允许用户修正后重新上传同一文件
	if o.dedup != nil && msg.RawFileMD5 != "" {
		if derr := o.dedup.RemoveFileMD5Record(ctx, msg.UserID, msg.RawFileMD5); derr != nil {
			logger.Ctx(ctx).Warn().Err(derr).Msg("回滚MD5登记失败")
		}
	}

	logger.Ctx(ctx).Error().Err(cause).Msg("简历分析永久失败")
}

// MigrateAnonymous 把匿名会话的简历转移给登录后的用户
func (o *Orchestrator) MigrateAnonymous(ctx context.Context, anonymousUserID, targetUserID string) (int64, error) {
	if !strings.HasPrefix(anonymousUserID, constants.AnonymousUserPrefix) {
		return 0, fmt.Errorf("无效的匿名用户ID: %q", anonymousUserID)
	}
	if targetUserID == "" || strings.HasPrefix(targetUserID, constants.AnonymousUserPrefix) {
		return 0, fmt.Errorf("无效的目标用户ID: %q", targetUserID)
	}
	migrated, err := o.store.MigrateAnonymousResumes(ctx, anonymousUserID, targetUserID)
	if err != nil {
		return 0, newStoreError("", err.Error())
	}
	logger.Ctx(ctx).Info().
		Str("anonymous_user_id", anonymousUserID).
		Str("target_user_id", targetUserID).
		Int64("migrated", migrated).
		Msg("匿名简历迁移完成")
	return migrated, nil
}

// StatusView 简历处理状态的对外投影
type StatusView struct {
	ResumeID     string `json:"resume_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// GetStatus 返回简历的状态投影。进度是状态的确定性映射。
func (o *Orchestrator) GetStatus(ctx context.Context, resumeID string) (*StatusView, error) {
	resume, err := o.store.GetResume(ctx, resumeID)
	if err != nil {
		if errors.Is(err, storage.ErrResumeNotFound) {
			return nil, &AnalysisError{ResumeID: resumeID, Op: "status", BaseErr: ErrResumeNotFound}
		}
		return nil, newStoreError(resumeID, err.Error())
	}

	view := &StatusView{
		ResumeID: resume.ResumeID,
		Status:   resume.Status,
		Progress: constants.ProgressForStatus[resume.Status],
	}
	if resume.Status == constants.StatusFailed && resume.ErrorMessage != nil {
		view.ErrorMessage = *resume.ErrorMessage
	}
	return view, nil
}

// SuggestionView 单条优化建议的对外投影
type SuggestionView struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// CandidateView 候选人信息的对外投影
type CandidateView struct {
	Name            string   `json:"name,omitempty"`
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	YearsExperience *int     `json:"years_experience,omitempty"`
}

// AnalysisView 完整分析结果的对外投影
type AnalysisView struct {
	ResumeID         string           `json:"resume_id"`
	Status           string           `json:"status"`
	Progress         int              `json:"progress"`
	FileName         string           `json:"file_name"`
	Score            *float64         `json:"score,omitempty"`
	OptimizedContent string           `json:"optimized_content,omitempty"`
	Suggestions      []SuggestionView `json:"suggestions,omitempty"`
	CandidateInfo    *CandidateView   `json:"candidate_info,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	AnalyzedAt       *time.Time       `json:"analyzed_at,omitempty"`
}

// GetAnalysis 返回完整的分析结果投影
func (o *Orchestrator) GetAnalysis(ctx context.Context, resumeID string) (*AnalysisView, error) {
	resume, err := o.store.GetResumeWithDetails(ctx, resumeID)
	if err != nil {
		if errors.Is(err, storage.ErrResumeNotFound) {
			return nil, &AnalysisError{ResumeID: resumeID, Op: "analysis", BaseErr: ErrResumeNotFound}
		}
		return nil, newStoreError(resumeID, err.Error())
	}

	view := &AnalysisView{
		ResumeID:   resume.ResumeID,
		Status:     resume.Status,
		Progress:   constants.ProgressForStatus[resume.Status],
		FileName:   resume.FileName,
		Score:      resume.Score,
		AnalyzedAt: resume.AnalyzedAt,
	}
	if resume.OptimizedContent != nil {
		view.OptimizedContent = *resume.OptimizedContent
	}
	if resume.Status == constants.StatusFailed && resume.ErrorMessage != nil {
		view.ErrorMessage = *resume.ErrorMessage
	}
	for _, s := range resume.Suggestions {
		view.Suggestions = append(view.Suggestions, SuggestionView{
			Category:    s.Category,
			Description: s.Description,
			Priority:    s.Priority,
		})
	}
	if ci := resume.CandidateInfo; ci != nil {
		var skills []string
		if len(ci.Skills) > 0 {
			// 反序列化失败按无技能处理
			_ = json.Unmarshal(ci.Skills, &skills)
		}
		view.CandidateInfo = &CandidateView{
			Name:            ci.Name,
			Email:           ci.Email,
			Phone:           ci.Phone,
			Skills:          skills,
			YearsExperience: ci.YearsExperience,
		}
	}
	return view, nil
}
