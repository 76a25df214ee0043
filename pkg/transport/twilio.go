package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"LeadFlow/pkg/errors"
)

// messageCreator twilio RestClient.Api 的子集
type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioWhatsAppTransport WhatsApp 渠道
type TwilioWhatsAppTransport struct {
	api  messageCreator
	from string
}

func NewTwilioWhatsAppTransport(accountSID, authToken, from string) *TwilioWhatsAppTransport {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioWhatsAppTransport{api: client.Api, from: whatsappAddress(from)}
}

func (t *TwilioWhatsAppTransport) Provider() string {
	return "twilio"
}

func (t *TwilioWhatsAppTransport) Send(ctx context.Context, env Envelope) (*SendResult, error) {
	if env.Recipient == "" {
		return nil, errors.NewNonRetryableError("MISSING_RECIPIENT", "whatsapp recipient is empty", "")
	}
	// twilio-go 不接收 ctx，调用前检查一次
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(whatsappAddress(env.Recipient))
	params.SetFrom(t.from)
	params.SetBody(env.Body)

	msg, err := t.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if stderrors.As(err, &restErr) {
			return nil, classifyStatus(t.Provider(), restErr.Status, fmt.Sprintf("%d %s", restErr.Code, restErr.Message))
		}
		return nil, fmt.Errorf("twilio request failed: %w", err)
	}

	providerID := ""
	if msg != nil && msg.Sid != nil {
		providerID = *msg.Sid
	}
	return &SendResult{ProviderMessageID: providerID, Provider: t.Provider()}, nil
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
