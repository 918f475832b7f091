package storage

import "time"

// AnalysisRequestMessage 简历分析请求消息。
// 一次上传只产生一条消息，重试依赖队列对同一条消息的重投递。
type AnalysisRequestMessage struct {
	ResumeID    string    `json:"resume_id"`
	UserID      string    `json:"user_id"`
	FileName    string    `json:"file_name,omitempty"`
	BlobURL     string    `json:"blob_url,omitempty"`     // MinIO对象键
	RawFileMD5  string    `json:"raw_file_md5,omitempty"` // 失败回滚去重集合时使用
	SubmittedAt time.Time `json:"submitted_at"`
}
