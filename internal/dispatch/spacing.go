package dispatch

import (
	"time"

	"LeadFlow/internal/model"
)

const (
	minJitter   = 0.10
	jitterRange = 0.15 // 抖动在 [10%, 25%]
	floorFactor = 0.75
)

// AverageSpacing 工作时段平均分给每日上限
func AverageSpacing(cfg *model.CadenceConfig) time.Duration {
	hours := cfg.BusinessHourEnd - cfg.BusinessHourStart
	if hours <= 0 {
		hours = 24
	}
	limit := cfg.DailyLimit
	if limit <= 0 {
		limit = 1
	}
	return time.Duration(hours) * time.Hour / time.Duration(limit)
}

// Spacing 平均间隔乘以 1±[10%,25%]；magnitude 与 direction 取 [0,1) 的随机数
func Spacing(cfg *model.CadenceConfig, minSpacing time.Duration, magnitude, direction float64) time.Duration {
	avg := AverageSpacing(cfg)

	jitter := minJitter + jitterRange*magnitude
	factor := 1 + jitter
	if direction < 0.5 {
		factor = 1 - jitter
	}
	spacing := time.Duration(float64(avg) * factor)

	floor := time.Duration(float64(avg) * floorFactor)
	if minSpacing > floor {
		floor = minSpacing
	}
	if spacing < floor {
		spacing = floor
	}
	return spacing
}
