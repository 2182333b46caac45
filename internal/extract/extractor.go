// Package extract 通过外部 OCR 工具从上传的图片和 PDF 中提取文本。
// 图片直接交给 tesseract；PDF 先用 pdftoppm 栅格化为逐页 PNG 再逐页识别。
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PageBreak 是多页文档中页与页之间的分隔符
const PageBreak = "\n--- Page Break ---\n"

// ErrUnsupportedType 表示既不是图片也不是 PDF
var ErrUnsupportedType = errors.New("unsupported document type")

// Config 提取配置
type Config struct {
	TesseractPath string
	PdftoppmPath  string
	Language      string
	Timeout       time.Duration
}

// Runner 执行外部命令，stdin 可为空
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// execRunner 基于 os/exec 的 Runner
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Extractor 文本提取器
type Extractor struct {
	cfg    Config
	run    Runner
	logger *logrus.Logger
}

// New 创建提取器。run 为 nil 时使用 os/exec。
func New(cfg Config, run Runner, logger *logrus.Logger) *Extractor {
	if cfg.TesseractPath == "" {
		cfg.TesseractPath = "tesseract"
	}
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if run == nil {
		run = execRunner{}
	}
	return &Extractor{cfg: cfg, run: run, logger: logger}
}

// IsPDF 判断内容类型或文件名是否表示 PDF
func IsPDF(contentType, filename string) bool {
	return contentType == "application/pdf" || strings.EqualFold(filepath.Ext(filename), ".pdf")
}

// IsImage 判断内容类型是否为图片
func IsImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// Extract 根据内容类型选择提取方式。
//
// 参数:
//   - ctx: 上下文
//   - contentType: 上传文件的 Content-Type
//   - filename: 上传文件名，用于在缺少 Content-Type 时识别 PDF
//   - data: 文件内容
//
// 返回:
//   - string: 提取出的文本
//   - error: ErrUnsupportedType 或外部工具错误
func (e *Extractor) Extract(ctx context.Context, contentType, filename string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	switch {
	case IsPDF(contentType, filename):
		return e.FromPDF(ctx, data)
	case IsImage(contentType):
		return e.FromImage(ctx, data)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
}

// FromImage 识别单张图片中的文本
func (e *Extractor) FromImage(ctx context.Context, data []byte) (string, error) {
	out, err := e.run.Run(ctx, e.cfg.TesseractPath, []string{"stdin", "stdout", "-l", e.cfg.Language}, data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FromPDF 把 PDF 栅格化后逐页识别，页之间用 PageBreak 分隔
func (e *Extractor) FromPDF(ctx context.Context, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "neonspark-pdf-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	prefix := filepath.Join(dir, "page")
	if _, err := e.run.Run(ctx, e.cfg.PdftoppmPath, []string{"-png", "-r", "200", input, prefix}, nil); err != nil {
		return "", err
	}

	pages, err := filepath.Glob(prefix + "*.png")
	if err != nil {
		return "", err
	}
	sort.Strings(pages)
	e.logger.WithField("pages", len(pages)).Debug("PDF rasterized")

	var sb strings.Builder
	for _, page := range pages {
		out, err := e.run.Run(ctx, e.cfg.TesseractPath, []string{page, "stdout", "-l", e.cfg.Language}, nil)
		if err != nil {
			return "", fmt.Errorf("ocr %s: %w", filepath.Base(page), err)
		}
		sb.Write(out)
		sb.WriteString(PageBreak)
	}
	return sb.String(), nil
}

// AnalysisPrompt 构造文档分析提示词
func AnalysisPrompt(text string) string {
	return `Analyze the following document content and provide:
1. A detailed summary
2. Key points and insights
3. Any relevant recommendations
4. Document type and purpose identification

Content:
` + text
}
