package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/habitlog/internal/logger"
)

const (
	alertTopIssues      = 5
	alertFieldMaxLength = 1000
)

// 告警颜色随最高严重级别变化
const (
	alertColorCritical = 0xFF0000
	alertColorHigh     = 0xFF9900
	alertColorMedium   = 0xFFFF00
	alertColorLow      = 0x00FF00
)

// ErrAlertNotConfigured 未配置告警 webhook
var ErrAlertNotConfigured = errors.New("alert webhook is not configured")

// Alert 是一次漂移告警的内容
type Alert struct {
	Issues     []DriftIssue
	Duration   time.Duration
	DetectedAt time.Time
}

// NewAlert 从校验报告构造告警
func NewAlert(report *Report) Alert {
	return Alert{
		Issues:     report.Issues,
		Duration:   report.Duration(),
		DetectedAt: report.StartedAt,
	}
}

// AlertNotifier 发送漂移告警
type AlertNotifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookNotifier 以 Discord embed 格式推送告警
type WebhookNotifier struct {
	url        string
	httpClient httpDoer
	log        *logger.Logger
}

// NewWebhookNotifier 构造 WebhookNotifier；url 为空时 Notify 返回 ErrAlertNotConfigured
func NewWebhookNotifier(url string, log *logger.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With("component", "alert_webhook"),
	}
}

// SetHTTPClient 替换底层 HTTP 客户端，主要用于测试
func (n *WebhookNotifier) SetHTTPClient(client httpDoer) {
	if client == nil {
		n.httpClient = &http.Client{Timeout: 10 * time.Second}
		return
	}
	n.httpClient = client
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Notify 推送告警，非 2xx 响应视为失败
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	if n == nil || n.url == "" {
		return ErrAlertNotConfigured
	}

	body, err := json.Marshal(buildDiscordPayload(alert))
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "habitlog-verifier/1.0")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if msg := strings.TrimSpace(string(raw)); msg != "" {
			return fmt.Errorf("alert webhook returned %s (%s)", resp.Status, msg)
		}
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}

	n.log.Info("drift alert sent", "issues", len(alert.Issues))
	return nil
}

func buildDiscordPayload(alert Alert) discordPayload {
	counts := make(map[Severity]int, 4)
	for _, issue := range alert.Issues {
		counts[issue.Severity]++
	}

	color := alertColorLow
	switch {
	case counts[SeverityCritical] > 0:
		color = alertColorCritical
	case counts[SeverityHigh] > 0:
		color = alertColorHigh
	case counts[SeverityMedium] > 0:
		color = alertColorMedium
	}

	detectedAt := alert.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}
	timestamp := detectedAt.UTC().Format(time.RFC3339)

	embed := discordEmbed{
		Title:       "Schema Drift Detected",
		Description: fmt.Sprintf("Found %d data inconsistencies between the legacy and normalized schemas", len(alert.Issues)),
		Color:       color,
		Timestamp:   timestamp,
		Fields: []discordField{
			{
				Name: "Summary",
				Value: fmt.Sprintf("Critical: %d\nHigh: %d\nMedium: %d\nLow: %d",
					counts[SeverityCritical], counts[SeverityHigh], counts[SeverityMedium], counts[SeverityLow]),
				Inline: true,
			},
			{Name: "Detection Time", Value: fmt.Sprintf("%dms", alert.Duration.Milliseconds()), Inline: true},
			{Name: "Timestamp", Value: timestamp},
		},
	}

	top := alert.Issues
	if len(top) > alertTopIssues {
		top = top[:alertTopIssues]
	}
	for _, issue := range top {
		embed.Fields = append(embed.Fields, discordField{
			Name:  fmt.Sprintf("%s: %s", issue.Severity, issue.Type),
			Value: truncateField(issueJSON(issue)),
		})
	}
	if extra := len(alert.Issues) - alertTopIssues; extra > 0 {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "More Issues",
			Value: fmt.Sprintf("%d more issues not shown. Check logs for details.", extra),
		})
	}

	return discordPayload{Embeds: []discordEmbed{embed}}
}

func issueJSON(issue DriftIssue) string {
	raw, err := json.MarshalIndent(issue, "", "  ")
	if err != nil {
		return issue.Message
	}
	return string(raw)
}

func truncateField(value string) string {
	runes := []rune(value)
	if len(runes) <= alertFieldMaxLength {
		return value
	}
	return string(runes[:alertFieldMaxLength])
}
