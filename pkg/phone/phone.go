// Package phone 电话号码规范化
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizeE164 解析后输出 +5511999998888 形式；无效号码返回错误
func NormalizeE164(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	if raw == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	if defaultRegion == "" {
		defaultRegion = "BR"
	}

	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(defaultRegion))
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number: %w", err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number: %s", raw)
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// IsMobile WhatsApp 只对手机号有意义
func IsMobile(e164 string) bool {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return false
	}
	switch phonenumbers.GetNumberType(parsed) {
	case phonenumbers.MOBILE, phonenumbers.FIXED_LINE_OR_MOBILE:
		return true
	default:
		return false
	}
}
