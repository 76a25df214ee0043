package handler

import (
	"context"
	"fmt"
	"html"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/response"
)

// RunTick 外部触发一轮所有租户的 tick
func RunTick(ctx context.Context, c *app.RequestContext) {
	report, err := services.Tick.RunAll(ctx)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	if report.Skipped {
		response.Error(ctx, c, errors.Wrap(errors.TickInProgress, "previous run still in progress"))
		return
	}
	response.SuccessWithMeta(ctx, c, report, map[string]interface{}{
		"tenants": len(report.Tenants),
	})
}

// Unsubscribe 退订链接落地页
func Unsubscribe(ctx context.Context, c *app.RequestContext) {
	token := c.Query("token")
	if token == "" {
		renderUnsubscribePage(c, http.StatusBadRequest, "Link inválido", "O link de descadastro está incompleto.")
		return
	}

	result, err := services.OptOut.Unsubscribe(ctx, token)
	if err != nil {
		if def, ok := errors.As(err); ok && def.Code == errors.OptOutTokenInvalid.Code {
			renderUnsubscribePage(c, http.StatusForbidden, "Link inválido", "Este link de descadastro é inválido ou expirou.")
			return
		}
		renderUnsubscribePage(c, http.StatusInternalServerError, "Erro", "Não foi possível concluir o descadastro. Tente novamente mais tarde.")
		return
	}

	msg := "Você não receberá mais mensagens nossas."
	if result.AlreadyOptedOut {
		msg = "Seu descadastro já havia sido registrado."
	}
	renderUnsubscribePage(c, http.StatusOK, "Descadastro confirmado", msg)
}

// UnsubscribeOneClick POST 形式的一键退订，返回 JSON
func UnsubscribeOneClick(ctx context.Context, c *app.RequestContext) {
	token := c.Query("token")
	if token == "" {
		response.Error(ctx, c, errors.Wrap(errors.OptOutTokenInvalid, "token is required"))
		return
	}

	result, err := services.OptOut.Unsubscribe(ctx, token)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, result)
}

func renderUnsubscribePage(c *app.RequestContext, status int, title, message string) {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="pt-BR"><head><meta charset="utf-8"><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}
