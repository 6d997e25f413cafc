package invoices

import (
	"time"

	"github.com/paygridlabs/paygrid/db"
)

type Invoice = db.Invoice
type Payment = db.Payment

// SettledPayment describes a settlement observed on a node, keyed by its
// upstream payment hash.
type SettledPayment struct {
	Kind           string
	PaymentHash    string
	PaymentRequest string
	AmountMsat     uint64
	SettledAt      time.Time
}

// PaymentReceivedEventProperties is attached to pg_invoice_received_payment.
type PaymentReceivedEventProperties struct {
	InvoiceId   string `json:"invoice_id"`
	PaymentHash string `json:"payment_hash"`
	AmountMsat  uint64 `json:"amount_msat"`
	PaidMsat    uint64 `json:"paid_msat"`
	DueMsat     uint64 `json:"due_msat"`
	Settled     bool   `json:"settled"`
}

// NewPaymentDetailsEventProperties is attached to pg_new_payment_details.
type NewPaymentDetailsEventProperties struct {
	InvoiceId       string `json:"invoice_id"`
	PaymentMethodId uint   `json:"payment_method_id"`
	PaymentHash     string `json:"payment_hash"`
	PaymentRequest  string `json:"payment_request"`
	AmountMsat      uint64 `json:"amount_msat"`
}

type notFoundError struct {
}

func NewNotFoundError() error {
	return &notFoundError{}
}

func (err *notFoundError) Error() string {
	return "The invoice requested was not found"
}

func (err *notFoundError) Is(target error) bool {
	_, isNotFoundError := target.(*notFoundError)
	return isNotFoundError
}

type invoiceExpiredError struct {
}

func NewInvoiceExpiredError() error {
	return &invoiceExpiredError{}
}

func (err *invoiceExpiredError) Error() string {
	return "This invoice has expired"
}

func (err *invoiceExpiredError) Is(target error) bool {
	_, isInvoiceExpiredError := target.(*invoiceExpiredError)
	return isInvoiceExpiredError
}
