package tracing

import (
	"strings"
)

const (
	// DefaultMaxLength 默认最大属性长度
	DefaultMaxLength = 200

	// MaxRedisLength Redis键值最大长度
	MaxRedisLength = 100

	// MaxResumeLength 简历内容预览最大长度
	MaxResumeLength = 150
)

// sensitiveAttrKeywords 属性名中出现这些关键字时，属性值需要掩码处理
var sensitiveAttrKeywords = []string{
	"email",
	"phone",
	"password",
	"身份证",
	"id_card",
	"address",
	"地址",
	"name",
	"姓名",
	"secret",
	"token",
}

// SafeAttributeValue 处理写入span的属性值：
// 敏感属性名对应的值做掩码，其余超长值截断。
func SafeAttributeValue(name string, value string, maxLength int) string {
	lowerName := strings.ToLower(name)
	for _, keyword := range sensitiveAttrKeywords {
		if strings.Contains(lowerName, keyword) {
			return MaskPII(value)
		}
	}
	return TruncateString(value, maxLength)
}

// MaskPII 对个人敏感信息进行掩码处理。
// 短值(如中文姓名)保留首尾字符，长值(如邮箱、手机号)保留前后各两位。
func MaskPII(value string) string {
	if value == "" {
		return ""
	}

	runes := []rune(value)
	length := len(runes)

	if length <= 1 {
		return "*"
	}
	if length <= 4 {
		if length == 2 {
			return string(runes[0:1]) + "*"
		}
		return string(runes[0:1]) + strings.Repeat("*", length-2) + string(runes[length-1:])
	}

	return string(runes[0:2]) + strings.Repeat("*", length-4) + string(runes[length-2:])
}

// TruncateString 截断超长字符串，保留首尾并用...连接
func TruncateString(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}

	if maxLength <= 3 {
		return string(runes[:maxLength])
	}

	half := (maxLength - 3) / 2
	if half < 1 {
		half = 1
	}

	return string(runes[:half]) + "..." + string(runes[len(runes)-half:])
}

// SafeRedisKey 安全处理Redis键值属性
func SafeRedisKey(key string) string {
	return TruncateString(key, MaxRedisLength)
}

// SafeResumeContent 安全处理简历内容预览，避免整份简历进入span属性
func SafeResumeContent(content string) string {
	return TruncateString(content, MaxResumeLength)
}
