package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"cv-analyzer-go/internal/logger"
)

// TikaTextExtractor 基于Apache Tika服务器的文本提取器。
// 接收简历原件的访问URL，下载后交给Tika提取纯文本。
type TikaTextExtractor struct {
	// Tika服务器地址，例如 http://localhost:9998
	ServerURL string
	// HTTP客户端，可配置超时等参数
	Client *http.Client
	// 是否提取PDF链接注释文本
	extractAnnotations bool
}

// TikaOption 定义配置选项函数
type TikaOption func(*TikaTextExtractor)

// WithAnnotations 配置是否提取PDF链接注释文本
func WithAnnotations(extract bool) TikaOption {
	return func(e *TikaTextExtractor) {
		e.extractAnnotations = extract
	}
}

// WithTimeout 配置HTTP客户端超时时间
func WithTimeout(timeout time.Duration) TikaOption {
	return func(e *TikaTextExtractor) {
		e.Client.Timeout = timeout
	}
}

// WithHTTPClient 替换HTTP客户端，测试时注入
func WithHTTPClient(client *http.Client) TikaOption {
	return func(e *TikaTextExtractor) {
		if client != nil {
			e.Client = client
		}
	}
}

// NewTikaTextExtractor 创建Tika文本提取器
func NewTikaTextExtractor(serverURL string, options ...TikaOption) *TikaTextExtractor {
	extractor := &TikaTextExtractor{
		ServerURL: strings.TrimRight(serverURL, "/"),
		Client: &http.Client{
			Timeout: 60 * time.Second,
		},
		extractAnnotations: true,
	}

	for _, option := range options {
		option(extractor)
	}

	return extractor
}

// ExtractText 下载文件并通过Tika提取纯文本
func (e *TikaTextExtractor) ExtractText(ctx context.Context, fileURL, fileName string) (string, error) {
	startTime := time.Now()

	data, err := e.download(ctx, fileURL)
	if err != nil {
		return "", err
	}

	text, err := e.extract(ctx, data, fileName)
	if err != nil {
		return "", err
	}

	logger.Ctx(ctx).Debug().
		Str("file_name", fileName).
		Int("file_bytes", len(data)).
		Int("text_length", len(text)).
		Dur("duration", time.Since(startTime)).
		Msg("Tika文本提取完成")

	return text, nil
}

// download 通过访问URL获取文件内容
func (e *TikaTextExtractor) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建下载请求失败: %w", err)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载简历文件失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载简历文件返回错误状态码: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取简历文件内容失败: %w", err)
	}
	return data, nil
}

// extract 把文件内容PUT到Tika的/tika端点，Accept text/plain
func (e *TikaTextExtractor) extract(ctx context.Context, data []byte, fileName string) (string, error) {
	url := fmt.Sprintf("%s/tika", e.ServerURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建Tika请求失败: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeForFile(fileName))
	req.Header.Set("Accept", "text/plain")
	if fileName != "" {
		req.Header.Set("X-Tika-Resource-Name", fileName)
	}
	if !e.extractAnnotations {
		req.Header.Set("X-Tika-PDFExtractAnnotationText", "false")
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求到Tika服务器失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tika服务器返回错误状态码: %d", resp.StatusCode)
	}

	textBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取Tika响应失败: %w", err)
	}

	return string(textBytes), nil
}

// contentTypeForFile 按扩展名推断Content-Type，未知类型交给Tika自动检测
func contentTypeForFile(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
