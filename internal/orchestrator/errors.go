package orchestrator

import (
	"errors"
	"fmt"
)

// 永久性错误：重试不可能改变结果，直接判定失败
var (
	ErrResumeNotFound      = errors.New("简历记录不存在")
	ErrEmptyDocument       = errors.New("简历文件内容为空")
	ErrFileTooLarge        = errors.New("简历文件超过大小限制")
	ErrUnsupportedDocument = errors.New("不支持的简历文件格式")
	ErrUnusableAnalysis    = errors.New("分析结果不可用")
)

// 瞬时性错误：下游暂时不可用，重投递后可能成功
var (
	ErrBlobAccessFailed = errors.New("访问简历文件存储失败")
	ErrExtractFailed    = errors.New("提取简历文本失败")
	ErrAnalyzeFailed    = errors.New("调用分析模型失败")
	ErrStoreFailed      = errors.New("数据库操作失败")
	ErrPublishFailed    = errors.New("发布分析请求消息失败")
)

// AnalysisError 包含详细错误信息的自定义错误
type AnalysisError struct {
	ResumeID string
	Op       string
	BaseErr  error
	Detail   string
}

func (e *AnalysisError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 简历:%s): %s", e.BaseErr, e.Op, e.ResumeID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 简历:%s)", e.BaseErr, e.Op, e.ResumeID)
}

func (e *AnalysisError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *AnalysisError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// 错误构造函数
func newBlobError(resumeID, detail string) error {
	return &AnalysisError{
		ResumeID: resumeID,
		Op:       "blob",
		BaseErr:  ErrBlobAccessFailed,
		Detail:   detail,
	}
}

func newExtractError(resumeID, detail string) error {
	return &AnalysisError{
		ResumeID: resumeID,
		Op:       "extract",
		BaseErr:  ErrExtractFailed,
		Detail:   detail,
	}
}

func newAnalyzeError(resumeID, detail string) error {
	return &AnalysisError{
		ResumeID: resumeID,
		Op:       "analyze",
		BaseErr:  ErrAnalyzeFailed,
		Detail:   detail,
	}
}

func newStoreError(resumeID, detail string) error {
	return &AnalysisError{
		ResumeID: resumeID,
		Op:       "store",
		BaseErr:  ErrStoreFailed,
		Detail:   detail,
	}
}

func newEmptyDocumentError(resumeID, detail string) error {
	return &AnalysisError{
		ResumeID: resumeID,
		Op:       "extract",
		BaseErr:  ErrEmptyDocument,
		Detail:   detail,
	}
}

func newUnusableAnalysisError(resumeID, detail string) error {
	return &AnalysisError{
		ResumeID: resumeID,
		Op:       "analyze",
		BaseErr:  ErrUnusableAnalysis,
		Detail:   detail,
	}
}
