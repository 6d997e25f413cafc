package queries

import (
	"time"

	"github.com/paygridlabs/paygrid/constants"
	"gorm.io/gorm"
)

// GetPendingInvoiceIds returns the ids of invoices that are still awaiting
// payment: state NEW and not yet past their expiry.
func GetPendingInvoiceIds(tx *gorm.DB, now time.Time) ([]string, error) {
	ids := []string{}
	err := tx.
		Table("invoices").
		Where("state = ? AND expires_at > ?", constants.INVOICE_STATE_NEW, now).
		Order("created_at asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
