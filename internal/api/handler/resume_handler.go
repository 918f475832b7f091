package handler

import (
	"context"
	"errors"
	"mime/multipart"

	"cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/orchestrator"
)

// ResumeHandler 简历相关HTTP请求的业务处理器
type ResumeHandler struct {
	orch *orchestrator.Orchestrator
}

// NewResumeHandler 创建简历处理器
func NewResumeHandler(orch *orchestrator.Orchestrator) *ResumeHandler {
	return &ResumeHandler{orch: orch}
}

// ResumeUploadResponse 简历上传响应。
// 匿名上传时 user_id 是服务端合成的会话ID，客户端需保存用于后续查询和迁移。
type ResumeUploadResponse struct {
	ResumeID  string `json:"resume_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// MigrateRequest 匿名简历迁移请求
type MigrateRequest struct {
	AnonymousUserID string `json:"anonymous_user_id"`
	TargetUserID    string `json:"target_user_id"`
}

// MigrateResponse 匿名简历迁移响应
type MigrateResponse struct {
	Migrated int64 `json:"migrated"`
}

// APIError 带HTTP状态码的对外错误
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

// HandleUpload 接收上传文件并提交分析
func (h *ResumeHandler) HandleUpload(ctx context.Context, userID string, fileHeader *multipart.FileHeader) (*ResumeUploadResponse, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, &APIError{StatusCode: 500, Message: "打开上传文件失败"}
	}
	defer file.Close()

	result, err := h.orch.Submit(ctx, &orchestrator.SubmitRequest{
		UserID:   userID,
		FileName: fileHeader.Filename,
		FileSize: fileHeader.Size,
		File:     file,
	})
	if err != nil {
		return nil, mapSubmitError(ctx, err)
	}

	return &ResumeUploadResponse{
		ResumeID:  result.ResumeID,
		UserID:    result.UserID,
		Status:    "SUBMITTED",
		Duplicate: result.Duplicate,
	}, nil
}

// HandleGetStatus 查询简历处理状态
func (h *ResumeHandler) HandleGetStatus(ctx context.Context, resumeID string) (*orchestrator.StatusView, error) {
	view, err := h.orch.GetStatus(ctx, resumeID)
	if err != nil {
		return nil, mapQueryError(ctx, err)
	}
	return view, nil
}

// HandleGetAnalysis 查询完整分析结果
func (h *ResumeHandler) HandleGetAnalysis(ctx context.Context, resumeID string) (*orchestrator.AnalysisView, error) {
	view, err := h.orch.GetAnalysis(ctx, resumeID)
	if err != nil {
		return nil, mapQueryError(ctx, err)
	}
	return view, nil
}

// HandleMigrate 匿名简历迁移到登录用户
func (h *ResumeHandler) HandleMigrate(ctx context.Context, req *MigrateRequest) (*MigrateResponse, error) {
	if req.AnonymousUserID == "" || req.TargetUserID == "" {
		return nil, &APIError{StatusCode: 400, Message: "anonymous_user_id和target_user_id不能为空"}
	}

	migrated, err := h.orch.MigrateAnonymous(ctx, req.AnonymousUserID, req.TargetUserID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrStoreFailed) {
			logger.Ctx(ctx).Error().Err(err).Msg("匿名简历迁移失败")
			return nil, &APIError{StatusCode: 500, Message: "迁移失败，请稍后重试"}
		}
		return nil, &APIError{StatusCode: 400, Message: err.Error()}
	}
	return &MigrateResponse{Migrated: migrated}, nil
}

// mapSubmitError 把上传阶段的内部错误映射为对外响应。
// 校验类错误原样提示，基础设施错误只暴露通用信息。
func mapSubmitError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyDocument):
		return &APIError{StatusCode: 400, Message: "上传文件为空"}
	case errors.Is(err, orchestrator.ErrFileTooLarge):
		return &APIError{StatusCode: 400, Message: "文件大小超过10MB限制"}
	case errors.Is(err, orchestrator.ErrUnsupportedDocument):
		return &APIError{StatusCode: 400, Message: "不支持的文件格式，请上传PDF、Word、TXT或HTML文件"}
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("简历上传处理失败")
		return &APIError{StatusCode: 500, Message: "上传失败，请稍后重试"}
	}
}

func mapQueryError(ctx context.Context, err error) error {
	if errors.Is(err, orchestrator.ErrResumeNotFound) {
		return &APIError{StatusCode: 404, Message: "简历不存在"}
	}
	logger.Ctx(ctx).Error().Err(err).Msg("查询简历失败")
	return &APIError{StatusCode: 500, Message: "查询失败，请稍后重试"}
}
