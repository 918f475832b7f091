package orchestrator

import "errors"

// Outcome 一次处理尝试的结果分类，决定消息的确认方式
type Outcome int

const (
	// OutcomeSuccess 处理完成（包括重复投递发现已有终态的情况），确认消息
	OutcomeSuccess Outcome = iota
	// OutcomeTransientFailure 瞬时失败，消息重新投递
	OutcomeTransientFailure
	// OutcomePermanentFailure 永久失败，写入失败终态后确认消息
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

var permanentErrors = []error{
	ErrResumeNotFound,
	ErrEmptyDocument,
	ErrFileTooLarge,
	ErrUnsupportedDocument,
	ErrUnusableAnalysis,
}

// Classify 将处理错误映射为结果分类。
// 未知错误按瞬时失败处理，由队列的投递次数上限兜底。
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	for _, sentinel := range permanentErrors {
		if errors.Is(err, sentinel) {
			return OutcomePermanentFailure
		}
	}
	return OutcomeTransientFailure
}
