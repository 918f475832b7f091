package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cv-analyzer-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	// DashScope 的 OpenAI 兼容端点，任何兼容该协议的服务都可通过配置替换
	defaultChatCompletionURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultChatModelName     = "qwen-plus"
)

// OpenAICompatChatModel 实现 model.ChatModel 接口，
// 调用任意 OpenAI chat completions 兼容的推理服务。
type OpenAICompatChatModel struct {
	apiKey     string
	modelName  string
	apiURL     string
	httpClient *http.Client
}

// ChatModelOption 聊天模型配置选项
type ChatModelOption func(*OpenAICompatChatModel)

// WithHTTPTimeout 设置单次chat completions请求的超时时间
func WithHTTPTimeout(d time.Duration) ChatModelOption {
	return func(m *OpenAICompatChatModel) {
		if d > 0 {
			m.httpClient.Timeout = d
		}
	}
}

// NewOpenAICompatChatModel 创建聊天模型客户端
func NewOpenAICompatChatModel(apiKey, modelName, apiURL string, opts ...ChatModelOption) (*OpenAICompatChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}

	mn := modelName
	if strings.TrimSpace(mn) == "" {
		mn = defaultChatModelName
	}

	url := apiURL
	if strings.TrimSpace(url) == "" {
		url = defaultChatCompletionURL
	}

	logger.Info().Str("api_url", url).Str("model", mn).Msg("初始化LLM客户端")

	m := &OpenAICompatChatModel{
		apiKey:     apiKey,
		modelName:  mn,
		apiURL:     url,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []*schema.Message `json:"messages"` // schema.Message 的 role/content 与 OpenAI 协议兼容
}

type chatCompletionMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type chatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      chatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type chatCompletionResponse struct {
	Id      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
}

// Generate 实现 model.ChatModel 接口
func (m *OpenAICompatChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	reqPayload := chatCompletionRequest{
		Model:    m.modelName,
		Messages: messages,
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API 请求失败，状态 %s: %s", httpResp.Status, string(bodyBytes))
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("从 API 收到空选项: %s", string(bodyBytes))
	}

	apiMessage := resp.Choices[0].Message
	responseContent := ""
	if apiMessage.Content != nil {
		responseContent = *apiMessage.Content
	}

	resultMessage := &schema.Message{
		Role:    schema.RoleType(apiMessage.Role),
		Content: responseContent,
	}
	if resultMessage.Role == "" {
		resultMessage.Role = schema.RoleType("assistant")
	}

	return resultMessage, nil
}

// Stream 实现 model.ChatModel 接口。分析流水线只需要一次性完整响应。
func (m *OpenAICompatChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAICompatChatModel 的 Stream 方法未实现")
}

// BindTools 实现 model.ChatModel 接口。分析流水线不使用工具调用。
func (m *OpenAICompatChatModel) BindTools(tools []*schema.ToolInfo) error {
	return fmt.Errorf("OpenAICompatChatModel 不支持工具调用")
}

var _ model.ChatModel = (*OpenAICompatChatModel)(nil)
