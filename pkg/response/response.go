package response

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"LeadFlow/pkg/errors"
)

// ErrorResponse 统一的错误响应格式
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Details map[string]interface{} `json:"details,omitempty"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
}

// SuccessResponse 统一的成功响应格式
type SuccessResponse struct {
	Data interface{}            `json:"data"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func errorToHTTPStatus(err error) int {
	def, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	// 根据错误码映射 HTTP 状态码
	switch def.Code {
	case errors.RateLimited.Code:
		return http.StatusTooManyRequests // 429
	case errors.Unauthorized.Code:
		return http.StatusUnauthorized // 401
	case errors.OptOutTokenInvalid.Code:
		return http.StatusForbidden // 403
	case errors.CampaignNotFound.Code, errors.LeadNotFound.Code, errors.MessageNotFound.Code:
		return http.StatusNotFound // 404
	case errors.ReconcileInProgress.Code, errors.TickInProgress.Code:
		return http.StatusConflict // 409
	case errors.InvalidRequest.Code, errors.PayloadInvalid.Code, errors.LeadBatchNotFound.Code,
		errors.PricingTierInvalid.Code, errors.EnrichmentInvalid.Code, errors.StatusUpdateInvalid.Code:
		return http.StatusBadRequest // 400
	default:
		return http.StatusInternalServerError // 500
	}
}

func describe(err error) (code, message string) {
	if def, ok := errors.As(err); ok {
		return def.Code, err.Error()
	}
	return "INTERNAL_ERROR", err.Error()
}

// Error 返回错误响应
func Error(ctx context.Context, c *app.RequestContext, err error) {
	ErrorWithDetails(ctx, c, err, nil)
}

func ErrorWithDetails(ctx context.Context, c *app.RequestContext, err error, details map[string]interface{}) {
	code, message := describe(err)

	c.JSON(errorToHTTPStatus(err), ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// AbortWithError 中间件使用，写入错误并终止后续 handler
func AbortWithError(ctx context.Context, c *app.RequestContext, err error) {
	Error(ctx, c, err)
	c.Abort()
}

func Success(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
	})
}

// Accepted 异步受理（消息已入队）
func Accepted(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusAccepted, SuccessResponse{
		Data: data,
	})
}

func SuccessWithMeta(ctx context.Context, c *app.RequestContext, data interface{}, meta map[string]interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
		Meta: meta,
	})
}

func BindError(ctx context.Context, c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    errors.InvalidRequest.Code,
			Message: err.Error(),
		},
	})
}
