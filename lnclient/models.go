package lnclient

import (
	"context"
	"errors"
)

const (
	INVOICE_STATUS_PENDING = "PENDING"
	INVOICE_STATUS_PAID    = "PAID"
	INVOICE_STATUS_EXPIRED = "EXPIRED"
	INVOICE_STATUS_UNKNOWN = "UNKNOWN"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

// Invoice is the node's view of an invoice it issued.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	Description    string
	Status         string
	AmountMsat     uint64
	CreatedAt      int64
	ExpiresAt      *int64
	SettledAt      *int64
	Preimage       string
}

type NodeInfo struct {
	Alias   string
	Pubkey  string
	Network string
}

// NodeClient is a session with a single Lightning node. Callers are expected
// to bound each unary call with their own context timeout.
type NodeClient interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error)
	MakeInvoice(ctx context.Context, amountMsat uint64, description string, expiry int64) (*Invoice, error)
	CancelInvoice(ctx context.Context, paymentHash string) error
	// SubscribeInvoices streams updates for all invoices on the node until
	// ctx is cancelled or the stream fails. A stream failure is reported
	// once on the returned error channel.
	SubscribeInvoices(ctx context.Context) (<-chan *Invoice, <-chan error, error)
	Shutdown() error
}

// Factory opens node sessions from stored connection strings.
type Factory interface {
	Create(ctx context.Context, connectionString string, network string) (NodeClient, error)
}
