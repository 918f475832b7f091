package models

import (
	"time"

	"gorm.io/datatypes"
)

// Resume 简历主表，记录一次上传从 PENDING 到终态的完整生命周期。
// status/content/score 等字段只由处理管线写入，其他组件只读。
type Resume struct {
	ResumeID           string     `gorm:"type:char(36);primaryKey"`
	UserID             string     `gorm:"type:varchar(100);not null;index:idx_resumes_user_id"`
	IsAnonymous        bool       `gorm:"default:false"`
	AnonymousExpiresAt *time.Time `gorm:"type:datetime(6);index:idx_resumes_anonymous_expires_at"`

	FileName   string `gorm:"type:varchar(255);not null"`
	BlobURL    string `gorm:"type:varchar(1024);not null"` // MinIO对象键，上传后不可变
	RawFileMD5 string `gorm:"type:char(32);index:idx_resumes_raw_file_md5"`

	Content          string  `gorm:"type:longtext"` // 提取出的纯文本，提取成功后不可变
	OptimizedContent *string `gorm:"type:longtext"` // 仅在分析成功后写入

	Status       string   `gorm:"type:varchar(20);default:'PENDING';index:idx_resumes_status"`
	Score        *float64 `gorm:"type:double"`
	ErrorMessage *string  `gorm:"type:varchar(255)"` // 仅存放通用提示，不落原始错误

	CreatedAt  time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt  time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	AnalyzedAt *time.Time `gorm:"type:datetime(6)"` // 当且仅当 status=COMPLETED 时非空

	CandidateInfo *CandidateInfo `gorm:"foreignKey:ResumeID;references:ResumeID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Suggestions   []Suggestion   `gorm:"foreignKey:ResumeID;references:ResumeID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Resume) TableName() string {
	return "resumes"
}

// CandidateInfo 从简历内容中提取的结构化候选人信息，零或一条
type CandidateInfo struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement"`
	ResumeID        string         `gorm:"type:char(36);not null;uniqueIndex:idx_candidate_info_resume_id"`
	Name            string         `gorm:"type:varchar(255)"`
	Email           string         `gorm:"type:varchar(255)"`
	Phone           string         `gorm:"type:varchar(50)"`
	Skills          datatypes.JSON `gorm:"type:json"` // 字符串数组
	YearsExperience *int           `gorm:"type:int"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (CandidateInfo) TableName() string {
	return "candidate_infos"
}

// Suggestion 单条改进建议，仅在分析成功后批量写入
type Suggestion struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	ResumeID    string    `gorm:"type:char(36);not null;index:idx_suggestions_resume_id"`
	Category    string    `gorm:"type:varchar(50);not null"` // Skills/Experience/Format/Content/Impact
	Description string    `gorm:"type:text;not null"`
	Priority    int       `gorm:"type:int;not null"` // 1最高，5最低
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (Suggestion) TableName() string {
	return "suggestions"
}
