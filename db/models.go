package db

import (
	"time"

	"gorm.io/datatypes"
)

type UserConfig struct {
	ID        uint
	Key       string `gorm:"unique;not null"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Invoice struct {
	ID             string `validate:"required" gorm:"primaryKey"`
	State          string
	ExceptionState string
	AmountMsat     uint64 `gorm:"column:amount_msat"`
	PaidMsat       uint64 `gorm:"column:paid_msat"`
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	SettledAt      *time.Time
	Metadata       datatypes.JSON
	PaymentMethods []PaymentMethod
}

type PaymentMethod struct {
	ID             uint
	InvoiceId      string  `validate:"required"`
	Invoice        Invoice `gorm:"constraint:OnDelete:CASCADE;"`
	Kind           string
	NodeUri        string
	PaymentHash    string `gorm:"index"`
	PaymentRequest string
	AmountMsat     uint64 `gorm:"column:amount_msat"`
	Activated      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Details        datatypes.JSON
}

type Payment struct {
	ID             uint
	InvoiceId      string  `validate:"required"`
	Invoice        Invoice `gorm:"constraint:OnDelete:CASCADE;"`
	Kind           string
	PaymentHash    string `gorm:"unique;not null"`
	PaymentRequest string
	AmountMsat     uint64 `gorm:"column:amount_msat"`
	SettledAt      time.Time
	Accounted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type InvoiceLog struct {
	ID        uint
	InvoiceId string  `validate:"required"`
	Invoice   Invoice `gorm:"constraint:OnDelete:CASCADE;"`
	Message   string
	CreatedAt time.Time
}
