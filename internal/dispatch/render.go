package dispatch

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"LeadFlow/internal/model"
	"LeadFlow/pkg/token"
	"LeadFlow/pkg/transport"
)

// Renderer 在正文后追加带签名 token 的退订入口
type Renderer struct {
	signer  *token.OptOutSigner
	baseURL string
}

func NewRenderer(signer *token.OptOutSigner, publicBaseURL string) *Renderer {
	return &Renderer{signer: signer, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

// UnsubscribeURL 每条线索每个渠道一个链接
func (r *Renderer) UnsubscribeURL(lead *model.Lead, channel model.Channel) (string, error) {
	tok, err := r.signer.Sign(lead.PublicID, string(channel), lead.OptOutToken)
	if err != nil {
		return "", fmt.Errorf("sign opt-out token: %w", err)
	}
	return r.baseURL + "/v1/unsubscribe?token=" + url.QueryEscape(tok), nil
}

// Render 生成最终要交给服务商的内容
func (r *Renderer) Render(lead *model.Lead, msg *model.OutboundMessage) (transport.Envelope, error) {
	link, err := r.UnsubscribeURL(lead, msg.Channel)
	if err != nil {
		return transport.Envelope{}, err
	}

	env := transport.Envelope{
		Channel:       string(msg.Channel),
		Recipient:     lead.Contact(msg.Channel),
		RecipientName: lead.CompanyName,
		UserID:        msg.UserID,
		MessageID:     msg.ID,
	}

	switch msg.Channel {
	case model.ChannelEmail:
		env.Subject = msg.Subject
		env.Body = msg.Body + "\n\n--\nPara não receber mais nossos e-mails: " + link
		env.HTMLBody = "<div>" + strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>") + "</div>" +
			`<p style="font-size:12px;color:#888">Não quer mais receber nossos e-mails? ` +
			`<a href="` + html.EscapeString(link) + `">Descadastrar</a></p>`
	default:
		env.Body = msg.Body + "\n\nPara não receber mais mensagens: " + link
	}

	return env, nil
}
