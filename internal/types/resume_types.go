package types

// AnalysisResult AI分析器的完整输出，随 COMPLETED 状态原子落库
type AnalysisResult struct {
	Score            float64           `json:"score"`             // 0-100
	OptimizedContent string            `json:"optimized_content"` // 优化后的简历文本
	Suggestions      []SuggestionItem  `json:"suggestions"`
	CandidateInfo    *CandidateProfile `json:"candidate_info,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
	Metadata         AnalysisMetadata  `json:"analysis_metadata"`
}

// SuggestionItem 单条改进建议
type SuggestionItem struct {
	Category    string `json:"category"` // Skills/Experience/Format/Content/Impact
	Description string `json:"description"`
	Priority    int    `json:"priority"` // 1最高，5最低
}

// CandidateProfile 模型从简历文本中抽取的候选人信息，字段均可缺省
type CandidateProfile struct {
	Name            string   `json:"name,omitempty"`
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	YearsExperience *int     `json:"years_experience,omitempty"`
}

// AnalysisMetadata 分析过程的附加信息，不参与业务判断
type AnalysisMetadata struct {
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	ModelUsed        string  `json:"model_used"`
	ContentLength    int     `json:"content_length"`
	UserID           string  `json:"user_id"`
	Timestamp        string  `json:"timestamp"`
}
