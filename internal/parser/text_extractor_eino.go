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

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
)

// EinoTextExtractor 进程内的PDF文本提取器，不依赖外部Tika服务。
// 只支持PDF，其他格式需要走Tika。
type EinoTextExtractor struct {
	parser *pdf.PDFParser
	client *http.Client
}

// NewEinoTextExtractor 创建进程内PDF文本提取器。
// 配置为不按页面分割，获取整个文档的连续文本。
func NewEinoTextExtractor(ctx context.Context) (*EinoTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("创建PDF解析器失败: %w", err)
	}

	return &EinoTextExtractor{
		parser: p,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// ExtractText 下载PDF文件并提取文本
func (e *EinoTextExtractor) ExtractText(ctx context.Context, fileURL, fileName string) (string, error) {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" && ext != ".pdf" {
		return "", fmt.Errorf("进程内提取器只支持PDF，收到: %s", ext)
	}

	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("创建下载请求失败: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("下载简历文件失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("下载简历文件返回错误状态码: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取简历文件内容失败: %w", err)
	}

	docs, err := e.parser.Parse(ctx, bytes.NewReader(data), einoParser.WithURI(fileName))
	if err != nil {
		return "", fmt.Errorf("解析PDF失败: %w", err)
	}

	var sb strings.Builder
	for _, doc := range docs {
		sb.WriteString(doc.Content)
	}
	text := sb.String()

	logger.Ctx(ctx).Debug().
		Str("file_name", fileName).
		Int("text_length", len(text)).
		Dur("duration", time.Since(startTime)).
		Msg("进程内PDF文本提取完成")

	return text, nil
}
