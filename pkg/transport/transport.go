// Package transport 把一条渲染好的消息交给邮件或 WhatsApp 服务商
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/resilience"
)

// Envelope 一次发送需要的全部内容
type Envelope struct {
	Channel       string
	Recipient     string
	RecipientName string
	Subject       string
	Body          string
	// HTMLBody 为空时只发纯文本
	HTMLBody  string
	UserID    int64
	MessageID int64
}

// SendResult 服务商受理后的结果
type SendResult struct {
	ProviderMessageID string
	Provider          string
}

// Transport 单个渠道的发送实现
type Transport interface {
	Send(ctx context.Context, env Envelope) (*SendResult, error)
	Provider() string
}

// classifyStatus 429 与 5xx 可重试，其余 4xx 直接失败
func classifyStatus(provider string, status int, body string) error {
	if status < http.StatusBadRequest {
		return nil
	}
	body = truncate(body, 512)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &resilience.HTTPStatusError{StatusCode: status, Body: body}
	}
	return errors.NewNonRetryableError(
		fmt.Sprintf("%s_%d", strings.ToUpper(provider), status),
		fmt.Sprintf("%s rejected the message", provider),
		body,
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
