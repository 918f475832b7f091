package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cv-analyzer-go/internal/constants"
	"cv-analyzer-go/internal/logger"
	"cv-analyzer-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const analyzerSystemPrompt = `你是一位资深的ATS(申请人跟踪系统)简历优化专家。你的任务是分析用户提交的简历文本，从ATS通过率、内容质量、结构和表达四个维度进行评估。

你必须只输出一个JSON对象，不要输出任何其他文字。JSON结构如下:
{
  "score": 0到100之间的数字，简历的综合评分,
  "optimized_content": "优化后的完整简历文本",
  "suggestions": [
    {
      "category": "Skills|Experience|Format|Content|Impact 五选一",
      "description": "具体的改进建议",
      "priority": 1到5的整数，1为最高优先级
    }
  ],
  "candidate_info": {
    "name": "候选人姓名，无法确定时为空字符串",
    "email": "邮箱，无法确定时为空字符串",
    "phone": "电话，无法确定时为空字符串",
    "skills": ["从简历中提取的技能列表"],
    "years_experience": 工作年限整数，无法确定时为null
  },
  "reasoning": "评分理由的简要说明"
}`

// 默认截断长度，超长简历只分析前面部分
const defaultMaxContentLength = 10000

// 解析失败时的兜底评分
const fallbackScore = 70.0

// llmAnalysisPayload 模型返回的JSON结构
type llmAnalysisPayload struct {
	Score            float64 `json:"score"`
	OptimizedContent string  `json:"optimized_content"`
	Suggestions      []struct {
		Category    string `json:"category"`
		Description string `json:"description"`
		Priority    int    `json:"priority"`
	} `json:"suggestions"`
	CandidateInfo *struct {
		Name            string   `json:"name"`
		Email           string   `json:"email"`
		Phone           string   `json:"phone"`
		Skills          []string `json:"skills"`
		YearsExperience *int     `json:"years_experience"`
	} `json:"candidate_info"`
	Reasoning string `json:"reasoning"`
}

// LLMResumeAnalyzer 基于聊天模型的简历分析器
type LLMResumeAnalyzer struct {
	chatModel        model.ChatModel
	modelName        string
	maxContentLength int
	analysisTimeout  time.Duration
}

// AnalyzerOption 分析器配置选项
type AnalyzerOption func(*LLMResumeAnalyzer)

// WithMaxContentLength 设置送入模型的文本截断长度
func WithMaxContentLength(n int) AnalyzerOption {
	return func(a *LLMResumeAnalyzer) {
		if n > 0 {
			a.maxContentLength = n
		}
	}
}

// WithAnalysisTimeout 设置单次分析的超时时间
func WithAnalysisTimeout(d time.Duration) AnalyzerOption {
	return func(a *LLMResumeAnalyzer) {
		if d > 0 {
			a.analysisTimeout = d
		}
	}
}

// NewLLMResumeAnalyzer 创建简历分析器
func NewLLMResumeAnalyzer(chatModel model.ChatModel, modelName string, opts ...AnalyzerOption) *LLMResumeAnalyzer {
	a := &LLMResumeAnalyzer{
		chatModel:        chatModel,
		modelName:        modelName,
		maxContentLength: defaultMaxContentLength,
		analysisTimeout:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze 分析简历文本。模型返回无法解析时使用兜底结果而不是失败，
// 模型调用本身失败时返回错误交给上层重试。
func (a *LLMResumeAnalyzer) Analyze(ctx context.Context, content, userID string) (*types.AnalysisResult, error) {
	startTime := time.Now()

	truncated := content
	if len(truncated) > a.maxContentLength {
		truncated = truncated[:a.maxContentLength]
		logger.Ctx(ctx).Debug().
			Int("original_length", len(content)).
			Int("truncated_length", a.maxContentLength).
			Msg("简历文本超长，已截断")
	}

	ctx, cancel := context.WithTimeout(ctx, a.analysisTimeout)
	defer cancel()

	messages := []*schema.Message{
		{Role: schema.RoleType("system"), Content: analyzerSystemPrompt},
		{Role: schema.RoleType("user"), Content: "请分析以下简历:\n\n" + truncated},
	}

	reply, err := a.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("调用分析模型失败: %w", err)
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return nil, fmt.Errorf("分析模型返回空响应")
	}

	result := a.parseResponse(ctx, reply.Content)
	result.Metadata = types.AnalysisMetadata{
		ProcessingTimeMS: float64(time.Since(startTime).Milliseconds()),
		ModelUsed:        a.modelName,
		ContentLength:    len(truncated),
		UserID:           userID,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	return result, nil
}

// parseResponse 解析模型输出。模型偶尔会把JSON包在代码块里或
// 输出不完整的结构，解析失败时降级为兜底结果。
func (a *LLMResumeAnalyzer) parseResponse(ctx context.Context, raw string) *types.AnalysisResult {
	jsonText := extractJSONBlock(raw)

	var payload llmAnalysisPayload
	if err := json.Unmarshal([]byte(jsonText), &payload); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int("response_length", len(raw)).Msg("模型输出解析失败，使用兜底结果")
		return fallbackResult(raw)
	}

	result := &types.AnalysisResult{
		Score:            clampScore(payload.Score),
		OptimizedContent: payload.OptimizedContent,
		Reasoning:        payload.Reasoning,
	}

	for _, s := range payload.Suggestions {
		if strings.TrimSpace(s.Description) == "" {
			continue
		}
		result.Suggestions = append(result.Suggestions, types.SuggestionItem{
			Category:    normalizeCategory(s.Category),
			Description: s.Description,
			Priority:    clampPriority(s.Priority),
		})
	}

	if ci := payload.CandidateInfo; ci != nil {
		result.CandidateInfo = &types.CandidateProfile{
			Name:            ci.Name,
			Email:           ci.Email,
			Phone:           ci.Phone,
			Skills:          ci.Skills,
			YearsExperience: ci.YearsExperience,
		}
	}

	return result
}

// extractJSONBlock 剥掉Markdown代码块围栏，取出JSON正文
func extractJSONBlock(raw string) string {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
		return strings.TrimSpace(text)
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+len("```"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
		return strings.TrimSpace(text)
	}
	return text
}

// fallbackResult 模型输出不可解析时的兜底结果
func fallbackResult(raw string) *types.AnalysisResult {
	return &types.AnalysisResult{
		Score:            fallbackScore,
		OptimizedContent: "",
		Suggestions: []types.SuggestionItem{
			{
				Category:    constants.SuggestionCategorySystem,
				Description: "自动分析未能生成结构化结果，建议重新上传或人工复核",
				Priority:    1,
			},
		},
		Reasoning: strings.TrimSpace(raw),
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}

// normalizeCategory 把模型输出的类别归一到已知集合
func normalizeCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "skills", "skill", "技能":
		return constants.SuggestionCategorySkills
	case "experience", "经验":
		return constants.SuggestionCategoryExperience
	case "format", "格式":
		return constants.SuggestionCategoryFormat
	case "content", "内容":
		return constants.SuggestionCategoryContent
	case "impact", "影响力":
		return constants.SuggestionCategoryImpact
	default:
		return constants.SuggestionCategorySystem
	}
}
