package model

import "encoding/json"

// ExtractionMessage 抓取 webhook 的排队形式，由 worker 消费
type ExtractionMessage struct {
	MessageID  string          `json:"message_id"` // 消息唯一ID，用于幂等性检查
	CampaignID string          `json:"campaign_id"`
	Leads      json.RawMessage `json:"leads"`
	ReceivedAt string          `json:"received_at"`
}

// EventMessage 事件消息（用于事件总线）
type EventMessage struct {
	Payload    map[string]interface{} `json:"payload"`
	EventID    string                 `json:"event_id"`
	EventKey   string                 `json:"event_key"`
	EventType  string                 `json:"event_type"`
	OccurredAt string                 `json:"occurred_at"`
	UserID     int64                  `json:"user_id"`
}
