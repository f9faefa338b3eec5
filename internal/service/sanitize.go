package service

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// plainTextPolicy 去掉所有标签，只保留文本
var plainTextPolicy = bluemonday.StrictPolicy()

// sanitizeText 清理用户提交的自由文本，去除 HTML 标签与首尾空白。
// StrictPolicy 会转义实体，这里还原以保持旧表中的原始字符。
func sanitizeText(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(plainTextPolicy.Sanitize(trimmed)))
}
