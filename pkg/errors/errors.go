package errors

import (
	stderrors "errors"
	"fmt"
)

func (d Definition) Error() string {
	return d.Message
}

// Definition 表示业务错误码及默认信息。
type Definition struct {
	Code    string
	Message string
}

// 通用错误。
var (
	InvalidRequest = Definition{Code: "INVALID_REQUEST", Message: "Invalid request"}
	Unauthorized   = Definition{Code: "UNAUTHORIZED", Message: "Unauthorized"}
	RateLimited    = Definition{Code: "RATE_LIMITED", Message: "Too many requests"}
	NotConfigured  = Definition{Code: "NOT_CONFIGURED", Message: "Required configuration is missing"}
)

// webhook 对账错误。
var (
	PayloadInvalid      = Definition{Code: "PAYLOAD_INVALID", Message: "Webhook payload invalid"}
	LeadBatchNotFound   = Definition{Code: "LEAD_BATCH_NOT_FOUND", Message: "No lead array found in payload"}
	CampaignNotFound    = Definition{Code: "CAMPAIGN_NOT_FOUND", Message: "Campaign not found"}
	ReconcileInProgress = Definition{Code: "RECONCILE_IN_PROGRESS", Message: "Campaign is being reconciled"}
	PricingTierInvalid  = Definition{Code: "PRICING_TIER_INVALID", Message: "Pricing tier invalid"}
)

// 线索与消息错误。
var (
	LeadNotFound        = Definition{Code: "LEAD_NOT_FOUND", Message: "Lead not found"}
	MessageNotFound     = Definition{Code: "MESSAGE_NOT_FOUND", Message: "Message not found"}
	EnrichmentInvalid   = Definition{Code: "ENRICHMENT_INVALID", Message: "Enrichment result invalid"}
	OptOutTokenInvalid  = Definition{Code: "OPT_OUT_TOKEN_INVALID", Message: "Opt-out token invalid"}
	StatusUpdateInvalid = Definition{Code: "STATUS_UPDATE_INVALID", Message: "Provider status update invalid"}
)

// 调度错误。
var (
	TickInProgress = Definition{Code: "TICK_IN_PROGRESS", Message: "Tick already in progress"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	InvalidRequest.Code:      InvalidRequest,
	Unauthorized.Code:        Unauthorized,
	RateLimited.Code:         RateLimited,
	NotConfigured.Code:       NotConfigured,
	PayloadInvalid.Code:      PayloadInvalid,
	LeadBatchNotFound.Code:   LeadBatchNotFound,
	CampaignNotFound.Code:    CampaignNotFound,
	ReconcileInProgress.Code: ReconcileInProgress,
	PricingTierInvalid.Code:  PricingTierInvalid,
	LeadNotFound.Code:        LeadNotFound,
	MessageNotFound.Code:     MessageNotFound,
	EnrichmentInvalid.Code:   EnrichmentInvalid,
	OptOutTokenInvalid.Code:  OptOutTokenInvalid,
	StatusUpdateInvalid.Code: StatusUpdateInvalid,
	TickInProgress.Code:      TickInProgress,
}

// Get 根据错误码返回 Definition，若不存在则返回空 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// Wrap 给业务错误附加上下文，errors.Is / errors.As 仍可识别原 Definition
func Wrap(def Definition, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", def, fmt.Sprintf(format, args...))
}

// As 从错误链中取出 Definition
func As(err error) (Definition, bool) {
	var def Definition
	if stderrors.As(err, &def) {
		return def, true
	}
	return Definition{}, false
}

// NonRetryableError 永久性错误，重试不会改变结果
type NonRetryableError struct {
	Code    string
	Message string
	Reason  string
}

func (e *NonRetryableError) Error() string {
	if e.Reason == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.Message + " (" + e.Reason + ")"
}

func NewNonRetryableError(code, message, reason string) *NonRetryableError {
	return &NonRetryableError{Code: code, Message: message, Reason: reason}
}

func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return stderrors.As(err, &target)
}

// SkipMessageError 队列消息已处理或无需处理，直接 ack
type SkipMessageError struct {
	Reason string
}

func (e *SkipMessageError) Error() string {
	return "skip message: " + e.Reason
}

func IsSkipMessageError(err error) bool {
	var target *SkipMessageError
	return stderrors.As(err, &target)
}
