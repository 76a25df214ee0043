// Package cadence 判断某条消息此刻能否发送，全部是纯函数
package cadence

import (
	"time"

	"LeadFlow/internal/model"
)

// 不可发送的原因，会出现在日志和 tick 报告里
const (
	ReasonMessageNotPending    = "message_not_pending"
	ReasonLeadOptedOut         = "lead_opted_out"
	ReasonLeadTerminal         = "lead_terminal"
	ReasonChannelNotInCadence  = "channel_not_in_cadence"
	ReasonMissingContact       = "missing_contact"
	ReasonContentNotReady      = "content_not_ready"
	ReasonPredecessorNotSent   = "predecessor_not_sent"
	ReasonPreviousStepNotSent  = "previous_overall_step_not_sent"
	ReasonStepNotConfigured    = "step_not_configured"
	ReasonOutsideCadenceWindow = "outside_cadence_window"
)

// IsWithinBusinessHours 周一到周五，小时在 [start, end)
func IsWithinBusinessHours(startHour, endHour int, now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := now.Hour()
	return h >= startHour && h < endHour
}

// IsEligibleByShape 只看节奏形态：星期窗口，或距上一步的自然日数（加可选的工作时间限制）
// loc 为租户时区，窗口、星期与自然日都按它计算
func IsEligibleByShape(cfg *model.CadenceConfig, step model.CadenceStep, prevSentAt *time.Time, now time.Time, loc *time.Location) bool {
	local := now.In(loc)

	switch cfg.Shape {
	case model.ShapeWeekdayWindow:
		day, err := ParseWeekday(step.Weekday)
		if err != nil || local.Weekday() != day {
			return false
		}
		w, err := ParseWindow(step.Window)
		if err != nil {
			return false
		}
		return w.Contains(local)

	case model.ShapeDayOffset:
		if prevSentAt != nil && step.OffsetDays > 0 {
			if calendarDaysBetween(*prevSentAt, now, loc) < step.OffsetDays {
				return false
			}
		}
		if cfg.BusinessHoursOnly {
			return IsWithinBusinessHours(cfg.BusinessHourStart, cfg.BusinessHourEnd, local)
		}
		return true

	default:
		return false
	}
}

// OffsetCutoff 上一步的 sentAt 必须早于返回值，本步的日偏移才满足；nil 表示不限制
// 混合节奏里"上一步"是总步数上的前一步，所以序号 1 也可能有偏移
func OffsetCutoff(cfg *model.CadenceConfig, step model.CadenceStep, now time.Time, loc *time.Location) *time.Time {
	if cfg.Shape != model.ShapeDayOffset || step.OffsetDays <= 0 {
		return nil
	}
	local := now.In(loc)
	cutoff := startOfDay(local).AddDate(0, 0, -(step.OffsetDays - 1))
	return &cutoff
}

// NextSequenceToSend 在可发送的序号里挑今天发得最少的，平局取小序号；没有可选或已达上限返回 0
func NextSequenceToSend(sentToday map[int]int, available map[int]bool, dailyLimit int) int {
	total := 0
	for _, n := range sentToday {
		total += n
	}
	if total >= dailyLimit {
		return 0
	}

	best := 0
	bestCount := 0
	for seq, ok := range available {
		if !ok {
			continue
		}
		count := sentToday[seq]
		if best == 0 || count < bestCount || (count == bestCount && seq < best) {
			best = seq
			bestCount = count
		}
	}
	return best
}

// Input 一次完整判断所需的数据
type Input struct {
	Now time.Time
	// Location 租户时区，nil 时按 UTC
	Location *time.Location
	Config   *model.CadenceConfig
	Lead     *model.Lead
	Message  *model.OutboundMessage
	// History 该线索在所有渠道上的消息
	History []model.OutboundMessage
}

// Decision 判断结果
type Decision struct {
	Reason   string
	Eligible bool
}

func ineligible(reason string) Decision {
	return Decision{Reason: reason}
}

// Evaluate 对单条消息做完整的可发送判断
func Evaluate(in Input) Decision {
	msg, lead, cfg := in.Message, in.Lead, in.Config

	if msg.Status != model.MessageStatusPending {
		return ineligible(ReasonMessageNotPending)
	}
	if lead.OptedOutAt != nil {
		return ineligible(ReasonLeadOptedOut)
	}
	if lead.Status.IsTerminal() {
		return ineligible(ReasonLeadTerminal)
	}
	if !lead.CadenceType.Includes(msg.Channel) {
		return ineligible(ReasonChannelNotInCadence)
	}
	if lead.Contact(msg.Channel) == "" {
		return ineligible(ReasonMissingContact)
	}

	var prevSentAt *time.Time
	if msg.Sequence <= 1 {
		if !lead.Status.HasContent() {
			return ineligible(ReasonContentNotReady)
		}
	} else {
		prev := findMessage(in.History, func(m *model.OutboundMessage) bool {
			return m.Channel == msg.Channel && m.Sequence == msg.Sequence-1
		})
		// 前一步 PENDING 或 FAILED 时，后续步骤永远不可发送
		if prev == nil || !prev.HasBeenSent() {
			return ineligible(ReasonPredecessorNotSent)
		}
		prevSentAt = prev.SentAt
	}

	// 混合节奏：总步数上的前一步（任意渠道）也必须已发送，日偏移从它算起
	if lead.CadenceType == model.CadenceHybrid && msg.OverallStep > 1 {
		prevStep := findMessage(in.History, func(m *model.OutboundMessage) bool {
			return m.OverallStep == msg.OverallStep-1
		})
		if prevStep == nil || !prevStep.HasBeenSent() {
			return ineligible(ReasonPreviousStepNotSent)
		}
		prevSentAt = prevStep.SentAt
	}

	step, ok := cfg.Step(msg.Sequence)
	if !ok {
		return ineligible(ReasonStepNotConfigured)
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	if !IsEligibleByShape(cfg, step, prevSentAt, in.Now, loc) {
		return ineligible(ReasonOutsideCadenceWindow)
	}

	return Decision{Eligible: true}
}

func findMessage(history []model.OutboundMessage, match func(*model.OutboundMessage) bool) *model.OutboundMessage {
	for i := range history {
		if match(&history[i]) {
			return &history[i]
		}
	}
	return nil
}
