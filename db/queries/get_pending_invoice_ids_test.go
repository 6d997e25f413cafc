package queries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/tests"
)

func TestGetPendingInvoiceIds(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	now := time.Now()
	fixtures := []db.Invoice{
		{ID: "inv-pending-old", State: constants.INVOICE_STATE_NEW, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "inv-pending-new", State: constants.INVOICE_STATE_NEW, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour)},
		{ID: "inv-expired", State: constants.INVOICE_STATE_NEW, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "inv-settled", State: constants.INVOICE_STATE_SETTLED, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-4 * time.Hour)},
	}
	for _, fixture := range fixtures {
		require.NoError(t, svc.DB.Create(&fixture).Error)
	}

	ids, err := GetPendingInvoiceIds(svc.DB, now)
	require.NoError(t, err)
	// oldest first, expired and settled invoices excluded
	assert.Equal(t, []string{"inv-pending-old", "inv-pending-new"}, ids)
}

func TestGetPendingInvoiceIds_Empty(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	ids, err := GetPendingInvoiceIds(svc.DB, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
