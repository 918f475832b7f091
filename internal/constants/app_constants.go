package constants

import "time"

// 简历分析状态机。状态只能单向推进，COMPLETED/FAILED 为终态。
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// ProgressForStatus 将持久化状态投影为进度百分比，Status API 的唯一进度来源
var ProgressForStatus = map[string]int{
	StatusPending:    0,
	StatusProcessing: 50,
	StatusCompleted:  100,
	StatusFailed:     100,
}

// IsTerminalStatus 判断状态是否为终态
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

const (
	// MaxResumeFileSize 上传文件大小上限
	MaxResumeFileSize = 10 << 20 // 10 MB

	// GenericFailureMessage 写入 error_message 字段的统一提示，原始错误只进日志
	GenericFailureMessage = "简历分析失败，请稍后重新上传"

	// AnonymousUserPrefix 匿名用户ID前缀
	AnonymousUserPrefix = "anon-"
	// AnonymousResumeTTL 匿名简历的保留时长，过期由后台清理
	AnonymousResumeTTL = 30 * 24 * time.Hour

	// MD5 去重集合的默认过期时间(天)在 Redis 配置中，这里是兜底值
	DefaultMD5ExpireDays = 365
)

// RabbitMQ 拓扑。主队列为 quorum 队列，投递次数超限后由 broker
// 自动经死信交换机路由到 poison 队列。
const (
	AnalysisExchange   = "resume.analysis.exchange"
	AnalysisRoutingKey = "resume.analysis.requested"
	AnalysisQueue      = "q.resume_analysis"

	PoisonExchange   = "resume.analysis.dlx"
	PoisonRoutingKey = "resume.analysis.poison"
	PoisonQueue      = "q.resume_analysis.poison"

	// DefaultMaxDeliveryCount 单条消息的最大投递次数(x-delivery-limit)
	DefaultMaxDeliveryCount = 5

	// EventTypeAnalysisRequested outbox 事件类型
	EventTypeAnalysisRequested = "resume.analysis.requested"
)

// 建议类别，与分析结果JSON中的 category 字段对应
const (
	SuggestionCategorySkills     = "Skills"
	SuggestionCategoryExperience = "Experience"
	SuggestionCategoryFormat     = "Format"
	SuggestionCategoryContent    = "Content"
	SuggestionCategoryImpact     = "Impact"
	SuggestionCategorySystem     = "System"
)
