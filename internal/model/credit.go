package model

// TransactionType 交易类型枚举
type TransactionType string

const (
	TransactionTypeDebit  TransactionType = "debit"  // 创建活动预扣
	TransactionTypeRefund TransactionType = "refund" // 对账退款
)

// CreditReason 流水原因
type CreditReason string

const (
	CreditReasonCampaignCharge  CreditReason = "campaign_charge"
	CreditReasonPartialRefund   CreditReason = "partial_refund"   // 重复 + 数量不足
	CreditReasonNoNewLeads      CreditReason = "no_new_leads"     // 一条新线索都没有
	CreditReasonCampaignTimeout CreditReason = "campaign_timeout" // 抓取超时
)

// CreditTransaction 积分流水，与余额变更在同一事务内写入
type CreditTransaction struct {
	BaseModel
	UserID          int64           `gorm:"not null;index:idx_credit_transactions_user" json:"user_id"`
	CampaignID      int64           `gorm:"not null;index:idx_credit_transactions_campaign" json:"campaign_id"`
	TransactionType TransactionType `gorm:"type:varchar(16);not null" json:"transaction_type"`
	Reason          CreditReason    `gorm:"type:varchar(32);not null" json:"reason"`
	Amount          int             `gorm:"not null" json:"amount"`
	BalanceAfter    int             `gorm:"not null" json:"balance_after"`
}

// TableName 指定表名
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
