package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CadenceType 线索使用的渠道组合
type CadenceType string

const (
	CadenceEmailOnly    CadenceType = "EMAIL_ONLY"
	CadenceWhatsAppOnly CadenceType = "WHATSAPP_ONLY"
	CadenceHybrid       CadenceType = "HYBRID"
)

// Includes 节奏类型是否包含该渠道
func (t CadenceType) Includes(channel Channel) bool {
	switch t {
	case CadenceHybrid:
		return channel.Valid()
	case CadenceEmailOnly:
		return channel == ChannelEmail
	case CadenceWhatsAppOnly:
		return channel == ChannelWhatsApp
	default:
		return false
	}
}

// CadenceTypesFor 包含该渠道的所有节奏类型
func CadenceTypesFor(channel Channel) []CadenceType {
	switch channel {
	case ChannelEmail:
		return []CadenceType{CadenceEmailOnly, CadenceHybrid}
	case ChannelWhatsApp:
		return []CadenceType{CadenceWhatsAppOnly, CadenceHybrid}
	default:
		return nil
	}
}

// CadenceShape 节奏形态
type CadenceShape string

const (
	ShapeDayOffset     CadenceShape = "day_offset"     // 距上一步至少 N 个自然日
	ShapeWeekdayWindow CadenceShape = "weekday_window" // 指定星期几的时间窗口
)

// CadenceStep 一个序号的发送规则
type CadenceStep struct {
	Weekday    string `json:"weekday,omitempty"` // monday / mon / 1
	Window     string `json:"window,omitempty"`  // 09:00-11:30，结束时间不含
	Sequence   int    `json:"sequence"`
	OffsetDays int    `json:"offset_days,omitempty"`
}

// CadenceSteps 以 JSON 存储
type CadenceSteps []CadenceStep

func (s CadenceSteps) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *CadenceSteps) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("failed to unmarshal cadence steps")
	}
}

// CadenceConfig 每个租户每个渠道一份
type CadenceConfig struct {
	BaseModel
	UserID            int64        `gorm:"not null;uniqueIndex:idx_cadence_user_channel" json:"user_id"`
	Channel           Channel      `gorm:"type:varchar(16);not null;uniqueIndex:idx_cadence_user_channel" json:"channel"`
	Shape             CadenceShape `gorm:"type:varchar(32);not null" json:"shape"`
	Steps             CadenceSteps `gorm:"type:jsonb;not null" json:"steps"`
	Timezone          string       `gorm:"type:varchar(64);not null;default:''" json:"timezone"`
	DailyLimit        int          `gorm:"not null;default:0" json:"daily_limit"`
	BusinessHourStart int          `gorm:"not null;default:9" json:"business_hour_start"`
	BusinessHourEnd   int          `gorm:"not null;default:18" json:"business_hour_end"`
	BusinessHoursOnly bool         `gorm:"not null;default:true" json:"business_hours_only"`
	Enabled           bool         `gorm:"not null;default:true" json:"enabled"`
}

// TableName 指定表名
func (CadenceConfig) TableName() string {
	return "cadence_configs"
}

// Step 按序号查找步骤
func (c *CadenceConfig) Step(sequence int) (CadenceStep, bool) {
	for _, s := range c.Steps {
		if s.Sequence == sequence {
			return s, true
		}
	}
	return CadenceStep{}, false
}

// Location 配置时区，无效时退回 fallback
func (c *CadenceConfig) Location(fallback *time.Location) *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	if fallback == nil {
		return time.UTC
	}
	return fallback
}

// SendCheckpoint 同一租户同一渠道下一次允许发送的时间
type SendCheckpoint struct {
	BaseModel
	UserID        int64      `gorm:"not null;uniqueIndex:idx_checkpoint_user_channel" json:"user_id"`
	Channel       Channel    `gorm:"type:varchar(16);not null;uniqueIndex:idx_checkpoint_user_channel" json:"channel"`
	NextAllowedAt time.Time  `gorm:"not null" json:"next_allowed_at"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
}

// TableName 指定表名
func (SendCheckpoint) TableName() string {
	return "send_checkpoints"
}
