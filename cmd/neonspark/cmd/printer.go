// Package cmd 提供 neonspark 命令行工具的所有子命令实现。
// 本文件实现输出格式化，支持 table（默认）、json 和 yaml 三种格式。
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 根据配置的输出格式把数据写到 writer
type Printer struct {
	format string    // 输出格式：table、json 或 yaml
	writer io.Writer // 输出目标
}

// NewPrinter 创建 Printer，格式取自 viper 的 output 配置
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// PrintRecords 打印请求记录列表
func (p *Printer) PrintRecords(records []Record) error {
	switch p.format {
	case "json":
		return p.printJSON(records)
	case "yaml":
		return p.printYAML(records)
	default:
		return p.printRecordsTable(records)
	}
}

// PrintRecord 打印单个请求详情
func (p *Printer) PrintRecord(rec *Record) error {
	switch p.format {
	case "json":
		return p.printJSON(rec)
	case "yaml":
		return p.printYAML(rec)
	default:
		return p.printRecordDetail(rec)
	}
}

// PrintSubmitted 打印提交结果
func (p *Printer) PrintSubmitted(resp *SubmitResponse) error {
	switch p.format {
	case "json":
		return p.printJSON(resp)
	case "yaml":
		return p.printYAML(resp)
	default:
		fmt.Fprintf(p.writer, "Request ID: %s\n", resp.RequestID)
		fmt.Fprintf(p.writer, "Status:     %s\n", resp.Status)
		return nil
	}
}

// PrintServiceStatus 打印服务状态
func (p *Printer) PrintServiceStatus(st *ServiceStatus) error {
	switch p.format {
	case "json":
		return p.printJSON(st)
	case "yaml":
		return p.printYAML(st)
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", colorStatus(st.Status))
	fmt.Fprintf(w, "Model:\t%s\n", st.Model)
	fmt.Fprintf(w, "Uptime:\t%s\n", st.Uptime)
	fmt.Fprintf(w, "API configured:\t%t\n", st.APIConfigured)
	fmt.Fprintf(w, "Total requests:\t%d\n", st.TotalRequests)
	fmt.Fprintf(w, "Active:\t%d\n", st.ActiveRequests)
	fmt.Fprintf(w, "Completed:\t%d\n", st.CompletedRequests)
	fmt.Fprintf(w, "Failed:\t%d\n", st.FailedRequests)
	fmt.Fprintf(w, "Cancelled:\t%d\n", st.CancelledRequests)
	fmt.Fprintf(w, "Success rate:\t%.2f%%\n", st.SuccessRate)
	fmt.Fprintf(w, "Records in memory:\t%d\n", st.MemoryUsage)
	return w.Flush()
}

// PrintHealth 打印聚合健康状态
func (p *Printer) PrintHealth(h *Health) error {
	switch p.format {
	case "json":
		return p.printJSON(h)
	case "yaml":
		return p.printYAML(h)
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", colorStatus(h.Status))
	fmt.Fprintf(w, "Backend:\t%s\n", h.Backend)
	fmt.Fprintf(w, "AI service:\t%s (%s)\n", colorStatus(h.AIService.Status), h.AIService.Model)
	fmt.Fprintf(w, "Gemini:\t%s\n", h.Gemini.Status)
	fmt.Fprintf(w, "Requests:\t%d total, %d active, %.2f%% success\n",
		h.AIService.TotalRequests, h.AIService.ActiveRequests, h.AIService.SuccessRate)
	fmt.Fprintf(w, "WebSocket clients:\t%d\n", h.WebSocket.ActiveConnections)
	fmt.Fprintf(w, "Uptime:\t%s\n", h.AIService.Uptime)
	return w.Flush()
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) printYAML(v interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(v)
}

// printRecordsTable 以表格形式输出请求列表
func (p *Printer) printRecordsTable(records []Record) error {
	if len(records) == 0 {
		fmt.Fprintln(p.writer, "No requests found.")
		return nil
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tDURATION\tCREATED\tPROMPT")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.RequestID,
			colorStatus(rec.Status),
			rec.Priority,
			formatSeconds(rec.ProcessingTime),
			timeAgo(rec.CreatedAt),
			truncate(oneLine(rec.Prompt), 40),
		)
	}
	return w.Flush()
}

// printRecordDetail 输出单个请求的详细信息
func (p *Printer) printRecordDetail(rec *Record) error {
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Request ID:\t%s\n", rec.RequestID)
	fmt.Fprintf(w, "Status:\t%s\n", colorStatus(rec.Status))
	fmt.Fprintf(w, "Priority:\t%d\n", rec.Priority)
	fmt.Fprintf(w, "Timeout:\t%ds\n", rec.Timeout)
	fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.ProcessingTime != nil {
		fmt.Fprintf(w, "Processing time:\t%s\n", formatSeconds(rec.ProcessingTime))
	}
	fmt.Fprintf(w, "Prompt:\t%s\n", truncate(oneLine(rec.Prompt), 80))
	if err := w.Flush(); err != nil {
		return err
	}

	if rec.Error != "" {
		fmt.Fprintf(p.writer, "\nError:\n  %s\n", rec.Error)
	}
	if rec.Result != "" {
		fmt.Fprintf(p.writer, "\nResult:\n%s\n", rec.Result)
	}
	return nil
}

// colorStatus 为状态添加终端颜色
func colorStatus(status string) string {
	switch strings.ToLower(status) {
	case "completed", "healthy":
		return "\033[32m" + status + "\033[0m" // Green
	case "pending", "processing", "degraded", "initializing":
		return "\033[33m" + status + "\033[0m" // Yellow
	case "failed", "configuration_error", "model_error", "unhealthy":
		return "\033[31m" + status + "\033[0m" // Red
	default:
		return status
	}
}

// timeAgo 将时间转换为相对时间字符串，例如 "5s ago"、"3m ago"
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatSeconds(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fs", *v)
}

// truncate 截断字符串到指定长度（按字符计），超出部分用 "..." 表示
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
