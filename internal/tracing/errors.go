package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 定义错误类型，便于分类和过滤
type ErrorType string

const (
	// ErrorTypeDB 数据库错误
	ErrorTypeDB ErrorType = "db"
	// ErrorTypeBlob 对象存储错误
	ErrorTypeBlob ErrorType = "blob"
	// ErrorTypeRabbitMQ RabbitMQ错误
	ErrorTypeRabbitMQ ErrorType = "rabbitmq"
	// ErrorTypeLLM 分析模型调用错误
	ErrorTypeLLM ErrorType = "llm"
	// ErrorTypeExtract 文本提取错误
	ErrorTypeExtract ErrorType = "extract"
	// ErrorTypeValidation 文档校验错误，重试无法恢复
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeExternal 外部系统错误，可重试
	ErrorTypeExternal ErrorType = "external_system"
)

// RecordError 记录错误，添加统一的错误类型和详情
func RecordError(span trace.Span, err error, errorType ErrorType) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", err.Error()),
	)
	span.SetStatus(codes.Error, err.Error())
}
