package migrations

import (
	"github.com/paygridlabs/paygrid/db"
	"gorm.io/gorm"
)

func Migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(
		&db.UserConfig{},
		&db.Invoice{},
		&db.PaymentMethod{},
		&db.Payment{},
		&db.InvoiceLog{},
	)
}
