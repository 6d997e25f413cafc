package listener

import (
	"context"
	"slices"
	"time"

	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/events"
)

// WatchedInvoice is one lightning payment method of a pending invoice,
// tracked on its node until it settles or the invoice expires.
type WatchedInvoice struct {
	InvoiceId       string
	PaymentMethodId uint
	Kind            string
	NodeUri         string
	PaymentHash     string
	PaymentRequest  string
	ExpiresAt       time.Time
}

func (w *WatchedInvoice) Expired(now time.Time) bool {
	return now.After(w.ExpiresAt)
}

type ListenerService interface {
	events.EventSubscriber
	Start(ctx context.Context) error
	EnqueueInvoice(invoiceId string)
	Shutdown()
}

func isLightningLike(kind string) bool {
	return slices.Contains(constants.GetLightningLikeKinds(), kind)
}
