package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
)

const sendGridEndpoint = "/v3/mail/send"

// SendGridTransport 邮件渠道
type SendGridTransport struct {
	from   *mail.Email
	apiKey string
	host   string
}

// NewSendGridTransport host 为空时使用官方地址
func NewSendGridTransport(apiKey, host, fromEmail, fromName string) *SendGridTransport {
	return &SendGridTransport{
		apiKey: apiKey,
		host:   host,
		from:   mail.NewEmail(fromName, fromEmail),
	}
}

func (t *SendGridTransport) Provider() string {
	return "sendgrid"
}

func (t *SendGridTransport) Send(ctx context.Context, env Envelope) (*SendResult, error) {
	if env.Recipient == "" {
		return nil, errors.NewNonRetryableError("MISSING_RECIPIENT", "email recipient is empty", "")
	}

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(env.RecipientName, env.Recipient))

	message := mail.NewV3Mail()
	message.SetFrom(t.from)
	message.Subject = env.Subject
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/plain", env.Body))
	if env.HTMLBody != "" {
		message.AddContent(mail.NewContent("text/html", env.HTMLBody))
	}
	message.SetHeader("X-LeadFlow-Message-Id", fmt.Sprintf("%d", env.MessageID))

	// rest.Request 不是并发安全的，每次发送单独构造
	client := &sendgrid.Client{Request: sendgrid.GetRequest(t.apiKey, sendGridEndpoint, t.host)}
	client.Method = http.MethodPost

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("sendgrid request failed: %w", err)
	}

	if err := classifyStatus(t.Provider(), response.StatusCode, response.Body); err != nil {
		logger.Logger.Warn("SendGrid rejected message",
			zap.Int64("message_id", env.MessageID),
			zap.Int("status_code", response.StatusCode),
			zap.Error(err),
		)
		return nil, err
	}

	providerID := ""
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		providerID = ids[0]
	}

	return &SendResult{ProviderMessageID: providerID, Provider: t.Provider()}, nil
}
