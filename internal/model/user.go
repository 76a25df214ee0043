package model

// UserStatus 用户状态枚举
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// User 租户（活动所有者），积分余额在这张表上
type User struct {
	BaseModel
	PublicID      int64      `gorm:"uniqueIndex;not null" json:"public_id"`
	Email         string     `gorm:"type:varchar(255);not null;default:''" json:"email"`
	Name          string     `gorm:"type:varchar(128);not null;default:''" json:"name"`
	Status        UserStatus `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	Timezone      string     `gorm:"type:varchar(64);not null;default:''" json:"timezone"`
	CreditBalance int        `gorm:"not null;default:0" json:"credit_balance"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
