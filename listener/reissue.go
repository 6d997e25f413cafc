package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/logger"
)

// reissuePaymentMethods replaces the upstream invoices of a partially paid
// invoice with new ones covering only the remaining amount due. A failure
// on one payment method never blocks the others.
func (svc *listenerService) reissuePaymentMethods(ctx context.Context, invoiceId string) {
	invoice, err := svc.invoicesService.GetInvoice(ctx, invoiceId)
	if err != nil {
		logger.Logger.Error().Err(err).Str("invoice_id", invoiceId).Msg("Failed to load partially paid invoice")
		return
	}

	if invoice.State != constants.INVOICE_STATE_NEW ||
		invoice.ExceptionState != constants.INVOICE_EXCEPTION_PAID_PARTIAL ||
		invoice.PaidMsat >= invoice.AmountMsat {
		return
	}
	if time.Now().After(invoice.ExpiresAt) {
		return
	}
	dueMsat := invoice.AmountMsat - invoice.PaidMsat

	for _, paymentMethod := range invoice.PaymentMethods {
		if !isLightningLike(paymentMethod.Kind) {
			continue
		}
		if !paymentMethod.Activated {
			logger.Logger.Debug().
				Str("invoice_id", invoiceId).
				Str("kind", paymentMethod.Kind).
				Msg("Skipping non-activated payment method")
			continue
		}

		err := svc.reissuePaymentMethod(ctx, invoice, &paymentMethod, dueMsat)
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("invoice_id", invoiceId).
				Str("node_uri", paymentMethod.NodeUri).
				Str("kind", paymentMethod.Kind).
				Msg("Failed to update payment method after partial payment")
			_ = svc.invoicesService.AddInvoiceLogs(ctx, invoiceId, []string{
				fmt.Sprintf("Unable to update payment method %s: %v", paymentMethod.Kind, err),
			})
		}
	}

	svc.cache.Invalidate(invoiceId)
}

func (svc *listenerService) reissuePaymentMethod(ctx context.Context, invoice *db.Invoice, paymentMethod *db.PaymentMethod, dueMsat uint64) error {
	connectCtx, cancel := context.WithTimeout(ctx, svc.callTimeout)
	defer cancel()
	client, err := svc.factory.Create(connectCtx, paymentMethod.NodeUri, svc.network)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Shutdown()
	}()

	oldPaymentHash := paymentMethod.PaymentHash

	// best effort: the superseded invoice may already be settled or gone
	cancelCtx, cancelCancel := context.WithTimeout(ctx, svc.callTimeout)
	defer cancelCancel()
	err = client.CancelInvoice(cancelCtx, oldPaymentHash)
	if err != nil {
		logger.Logger.Warn().Err(err).
			Str("invoice_id", invoice.ID).
			Str("payment_hash", oldPaymentHash).
			Msg("Failed to cancel superseded invoice")
	}

	expiry := int64(time.Until(invoice.ExpiresAt).Seconds())
	if expiry <= 0 {
		return invoices.NewInvoiceExpiredError()
	}

	makeCtx, makeCancel := context.WithTimeout(ctx, svc.callTimeout)
	defer makeCancel()
	lnInvoice, err := client.MakeInvoice(makeCtx, dueMsat, invoice.Description, expiry)
	if err != nil {
		return err
	}

	err = svc.invoicesService.UpdatePaymentMethodDetails(ctx, paymentMethod.ID, lnInvoice.PaymentHash, lnInvoice.PaymentRequest, dueMsat)
	if err != nil {
		return err
	}

	// the superseded invoice must not be watched anymore
	if value, ok := svc.listeners.Load(paymentMethod.NodeUri); ok {
		value.(*nodeListener).RemoveWatch(oldPaymentHash)
	}

	_ = svc.invoicesService.AddInvoiceLogs(ctx, invoice.ID, []string{
		fmt.Sprintf("Generated new payment request of %d msat for the remaining amount due (%s)", dueMsat, paymentMethod.Kind),
	})

	logger.Logger.Info().
		Str("invoice_id", invoice.ID).
		Str("old_payment_hash", oldPaymentHash).
		Str("new_payment_hash", lnInvoice.PaymentHash).
		Uint64("due_msat", dueMsat).
		Msg("Issued new payment request after partial payment")
	return nil
}
