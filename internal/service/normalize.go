package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"

	"LeadFlow/internal/model"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/phone"
)

// RawLead 抓取服务返回的一条原始记录
type RawLead map[string]interface{}

// 包装对象里可能承载数组的字段，按顺序尝试
var batchWrapperKeys = []string{"leads", "data", "items", "results"}

// NormalizeLeadBatch 接受裸数组、{leads|data|items|results: [...]}，或值全是对象的对象
func NormalizeLeadBatch(raw json.RawMessage) ([]RawLead, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.Wrap(errors.LeadBatchNotFound, "leads is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(errors.PayloadInvalid, "leads is not valid json: %v", err)
	}

	switch val := v.(type) {
	case []interface{}:
		return toRawLeads(val), nil

	case map[string]interface{}:
		for _, key := range batchWrapperKeys {
			if arr, ok := val[key].([]interface{}); ok {
				return toRawLeads(arr), nil
			}
		}

		// 以 id 为键的对象：按键排序保证同一批次顺序稳定
		if len(val) == 0 {
			return nil, errors.Wrap(errors.LeadBatchNotFound, "leads object is empty")
		}
		keys := make([]string, 0, len(val))
		for k, item := range val {
			if _, ok := item.(map[string]interface{}); !ok {
				return nil, errors.Wrap(errors.LeadBatchNotFound, "field %q is not a lead object", k)
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]RawLead, 0, len(keys))
		for _, k := range keys {
			out = append(out, RawLead(val[k].(map[string]interface{})))
		}
		return out, nil

	default:
		return nil, errors.Wrap(errors.LeadBatchNotFound, "leads must be an array or object")
	}
}

// 非对象元素保留为空记录，后面会被计为 invalid
func toRawLeads(arr []interface{}) []RawLead {
	out := make([]RawLead, 0, len(arr))
	for _, item := range arr {
		m, _ := item.(map[string]interface{})
		if m == nil {
			m = map[string]interface{}{}
		}
		out = append(out, RawLead(m))
	}
	return out
}

// String 依次取第一个非空字段
func (r RawLead) String(keys ...string) string {
	for _, k := range keys {
		if s := stringify(r[k]); s != "" {
			return s
		}
	}
	return ""
}

func (r RawLead) Float(keys ...string) *float64 {
	for _, k := range keys {
		switch v := r[k].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return &f
			}
		case float64:
			return &v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []interface{}:
		// emails: ["a@b.com", ...] 取第一个
		for _, item := range val {
			if s := stringify(item); s != "" {
				return s
			}
		}
	}
	return ""
}

// LeadKey 批次内确定的去重键：外部 id、place id、活动 + 名称 + 下标；三者都没有返回空串
func LeadKey(campaignPublicID int64, rec RawLead, index int) string {
	if id := rec.String("externalId", "external_id", "id"); id != "" {
		return id
	}
	if placeID := rec.String("placeId", "place_id"); placeID != "" {
		return "place:" + placeID
	}
	if name := rec.CompanyName(); name != "" {
		return fmt.Sprintf("%d:%s:%d", campaignPublicID, slug.Make(name), index)
	}
	return ""
}

func (r RawLead) CompanyName() string {
	return r.String("name", "title", "companyName", "company_name")
}

var validate = validator.New()

// MapLead 把各家字段名映射到 Lead；邮箱不合法置空，电话转 E.164，失败置空
func MapLead(rec RawLead, phoneRegion string) model.Lead {
	lead := model.Lead{
		PlaceID:     rec.String("placeId", "place_id"),
		CompanyName: truncate(rec.CompanyName(), 255),
		Website:     truncate(rec.String("website", "url", "site"), 512),
		Instagram:   truncate(rec.String("instagram"), 255),
		Facebook:    truncate(rec.String("facebook"), 255),
		LinkedIn:    truncate(rec.String("linkedin", "linkedIn"), 255),
		Address:     truncate(rec.String("address", "fullAddress"), 512),
		City:        truncate(rec.String("city"), 128),
		Category:    truncate(rec.String("category", "categoryName"), 128),
		Rating:      rec.Float("rating", "totalScore"),
		RawPayload:  model.JSONB(rec),
	}

	if email := strings.ToLower(rec.String("email", "emails")); email != "" {
		if err := validate.Var(email, "required,email,max=255"); err == nil {
			lead.Email = &email
		}
	}
	if raw := rec.String("phone", "phoneNumber", "phone_number", "whatsapp"); raw != "" {
		if e164, err := phone.NormalizeE164(raw, phoneRegion); err == nil {
			lead.Phone = &e164
		}
	}
	return lead
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
