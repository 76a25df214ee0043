package pricing

import (
	"LeadFlow/config"
	"LeadFlow/pkg/errors"
)

// Tier 活动档位
type Tier string

const (
	TierBasic Tier = "BASIC" // 仅抓取
	TierFull  Tier = "FULL"  // 抓取 + 富化 + 外联
)

// Table 每条线索的积分单价，创建活动扣费与对账退款共用
type Table struct {
	Basic int
	Full  int
}

// FromConfig 从全局配置读取单价
func FromConfig() Table {
	return Table{
		Basic: config.Cfg.PriceBasicPerLead,
		Full:  config.Cfg.PriceFullPerLead,
	}
}

// UnitCost 单条线索价格
func (t Table) UnitCost(tier Tier) (int, error) {
	switch tier {
	case TierBasic:
		return t.Basic, nil
	case TierFull:
		return t.Full, nil
	default:
		return 0, errors.Wrap(errors.PricingTierInvalid, "unknown tier %q", tier)
	}
}

// Charge 创建活动时预扣的积分
func (t Table) Charge(tier Tier, requested int) (int, error) {
	unit, err := t.UnitCost(tier)
	if err != nil {
		return 0, err
	}
	if requested < 0 {
		requested = 0
	}
	return unit * requested, nil
}
