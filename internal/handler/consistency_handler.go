package handler

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/habitlog/internal/service"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdownEngine = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Table),
		goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
	)
	sanitizer = bluemonday.UGCPolicy()

	reportPage = template.Must(template.New("consistency").Parse(`<!DOCTYPE html>
<html lang="ko">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 960px; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
th, td { border: 1px solid #ddd; padding: 0.35rem 0.6rem; text-align: left; vertical-align: top; }
code { font-size: 0.85em; word-break: break-all; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>`))
)

type backfillPayload struct {
	Targets []string `json:"targets"`
	All     bool     `json:"all"`
}

// GetConsistency 即时运行一次校验并返回 JSON 报告
func (a *API) GetConsistency(c *gin.Context) {
	report, err := a.verifier.Verify(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

// ShowConsistencyReport 把校验报告渲染成 HTML 页面
func (a *API) ShowConsistencyReport(c *gin.Context) {
	report, err := a.verifier.Verify(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "consistency check failed: %v", err)
		return
	}

	body, err := renderMarkdown(service.RenderReportMarkdown(report))
	if err != nil {
		a.log.Error("failed to render consistency report", "error", err)
		c.String(http.StatusInternalServerError, "failed to render report")
		return
	}

	var page bytes.Buffer
	if err := reportPage.Execute(&page, gin.H{"Title": "Consistency report", "Body": body}); err != nil {
		c.String(http.StatusInternalServerError, "failed to render report")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page.Bytes())
}

// RunBackfill 由运维触发补写：指定目标或全量扫描
func (a *API) RunBackfill(c *gin.Context) {
	var payload backfillPayload
	if !bindJSON(c, &payload, "invalid backfill payload") {
		return
	}

	var (
		summary *service.BackfillSummary
		err     error
	)
	switch {
	case payload.All:
		summary, err = a.backfill.BackfillAll(c.Request.Context())
	case len(payload.Targets) > 0:
		targets := make([]service.BackfillTarget, 0, len(payload.Targets))
		for _, raw := range payload.Targets {
			target, parseErr := service.ParseBackfillTarget(raw)
			if parseErr != nil {
				respondServiceError(c, parseErr)
				return
			}
			targets = append(targets, target)
		}
		summary, err = a.backfill.Backfill(c.Request.Context(), targets)
	default:
		respondError(c, http.StatusBadRequest, "targets or all is required")
		return
	}
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": !summary.HasFailures(), "summary": summary})
}

func renderMarkdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes())), nil
}
