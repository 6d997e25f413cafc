package service

import (
	"context"
	"fmt"

	"github.com/paygridlabs/paygrid/events"
	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/logger"
)

type settledInvoiceConsumer struct {
	events.EventSubscriber
	invoicesService invoices.InvoicesService
}

// Records an audit line when an invoice is fully settled.
func (c *settledInvoiceConsumer) ConsumeEvent(ctx context.Context, event *events.Event, globalProperties map[string]interface{}) {
	if event.Event != "pg_invoice_settled" {
		return
	}

	properties, ok := event.Properties.(*invoices.PaymentReceivedEventProperties)
	if !ok {
		logger.Logger.Error().Interface("event", event).Msg("Failed to cast event.Properties to payment received event properties")
		return
	}

	err := c.invoicesService.AddInvoiceLogs(ctx, properties.InvoiceId, []string{
		fmt.Sprintf("Invoice settled: %d of %d msat paid", properties.PaidMsat, properties.DueMsat),
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to save settled invoice log")
	}
}
