package tests

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/paygridlabs/paygrid/lnclient"
)

// MockNodeClient implements lnclient.NodeClient against an in-memory
// invoice map. Tests settle invoices by pushing updates into the
// subscription stream or by mutating the map before a poll.
type MockNodeClient struct {
	mu       sync.Mutex
	invoices map[string]*lnclient.Invoice
	updates  chan *lnclient.Invoice
	errs     chan error

	LookupErr    error
	SubscribeErr error
	MakeFn       func(amountMsat uint64, description string, expiry int64) (*lnclient.Invoice, error)

	MadeInvoices    []*lnclient.Invoice
	CancelledHashes []string
	SubscribeCount  int
	ShutdownCount   int
	makeCounter     int
}

func NewMockNodeClient() *MockNodeClient {
	return &MockNodeClient{
		invoices: map[string]*lnclient.Invoice{},
		updates:  make(chan *lnclient.Invoice, 16),
		errs:     make(chan error, 1),
	}
}

// SetInvoice registers or replaces the node-side state of an invoice.
func (c *MockNodeClient) SetInvoice(invoice *lnclient.Invoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoices[invoice.PaymentHash] = invoice
}

// PushUpdate registers the invoice state and delivers it on the current
// subscription stream. An update pushed between streams is picked up by
// the next poll instead.
func (c *MockNodeClient) PushUpdate(invoice *lnclient.Invoice) {
	c.SetInvoice(invoice)
	c.mu.Lock()
	updates := c.updates
	c.mu.Unlock()
	updates <- invoice
}

// FailStream makes the open subscription report a stream error.
func (c *MockNodeClient) FailStream(err error) {
	c.mu.Lock()
	errs := c.errs
	c.mu.Unlock()
	errs <- err
}

// CloseStream closes the current subscription stream without an error,
// the way a dropped connection surfaces to the consumer.
func (c *MockNodeClient) CloseStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.updates)
}

func (c *MockNodeClient) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	return &lnclient.NodeInfo{Alias: "mock", Pubkey: "02mock", Network: "mainnet"}, nil
}

func (c *MockNodeClient) LookupInvoice(ctx context.Context, paymentHash string) (*lnclient.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LookupErr != nil {
		return nil, c.LookupErr
	}
	invoice, ok := c.invoices[paymentHash]
	if !ok {
		return nil, lnclient.ErrInvoiceNotFound
	}
	invoiceCopy := *invoice
	return &invoiceCopy, nil
}

func (c *MockNodeClient) MakeInvoice(ctx context.Context, amountMsat uint64, description string, expiry int64) (*lnclient.Invoice, error) {
	var invoice *lnclient.Invoice
	if c.MakeFn != nil {
		var err error
		invoice, err = c.MakeFn(amountMsat, description, expiry)
		if err != nil {
			return nil, err
		}
	} else {
		c.mu.Lock()
		c.makeCounter++
		hash := sha256.Sum256([]byte(fmt.Sprintf("mock invoice %d", c.makeCounter)))
		c.mu.Unlock()
		expiresAt := time.Now().Add(time.Duration(expiry) * time.Second).Unix()
		invoice = &lnclient.Invoice{
			PaymentHash:    hex.EncodeToString(hash[:]),
			PaymentRequest: "lnbcmock" + hex.EncodeToString(hash[:8]),
			Description:    description,
			Status:         lnclient.INVOICE_STATUS_PENDING,
			AmountMsat:     amountMsat,
			CreatedAt:      time.Now().Unix(),
			ExpiresAt:      &expiresAt,
		}
	}

	c.SetInvoice(invoice)
	c.mu.Lock()
	c.MadeInvoices = append(c.MadeInvoices, invoice)
	c.mu.Unlock()
	return invoice, nil
}

func (c *MockNodeClient) CancelInvoice(ctx context.Context, paymentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CancelledHashes = append(c.CancelledHashes, paymentHash)
	if invoice, ok := c.invoices[paymentHash]; ok {
		invoice.Status = lnclient.INVOICE_STATUS_EXPIRED
	}
	return nil
}

// SubscribeInvoices opens a fresh stream; updates pushed to an earlier
// stream are not replayed.
func (c *MockNodeClient) SubscribeInvoices(ctx context.Context) (<-chan *lnclient.Invoice, <-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return nil, nil, c.SubscribeErr
	}
	c.SubscribeCount++
	c.updates = make(chan *lnclient.Invoice, 16)
	c.errs = make(chan error, 1)
	return c.updates, c.errs, nil
}

func (c *MockNodeClient) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ShutdownCount++
	return nil
}

func (c *MockNodeClient) LastMadeInvoice() *lnclient.Invoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.MadeInvoices) == 0 {
		return nil
	}
	return c.MadeInvoices[len(c.MadeInvoices)-1]
}

func (c *MockNodeClient) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.CancelledHashes...)
}

func (c *MockNodeClient) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SubscribeCount
}

func (c *MockNodeClient) Shutdowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ShutdownCount
}

// MockNodeClientFactory hands out one MockNodeClient per connection
// string, so a test controls all sessions opened against a node.
type MockNodeClientFactory struct {
	mu          sync.Mutex
	clients     map[string]*MockNodeClient
	errs        map[string]error
	CreateCount map[string]int
}

func NewMockNodeClientFactory() *MockNodeClientFactory {
	return &MockNodeClientFactory{
		clients:     map[string]*MockNodeClient{},
		errs:        map[string]error{},
		CreateCount: map[string]int{},
	}
}

// ClientFor returns the mock client of a node, creating it on first use.
func (f *MockNodeClientFactory) ClientFor(connectionString string) *MockNodeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[connectionString]
	if !ok {
		client = NewMockNodeClient()
		f.clients[connectionString] = client
	}
	return client
}

func (f *MockNodeClientFactory) TimesCreated(connectionString string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCount[connectionString]
}

// FailNode makes any session attempt against the node fail.
func (f *MockNodeClientFactory) FailNode(connectionString string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[connectionString] = err
}

func (f *MockNodeClientFactory) Create(ctx context.Context, connectionString string, network string) (lnclient.NodeClient, error) {
	f.mu.Lock()
	err := f.errs[connectionString]
	f.CreateCount[connectionString]++
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.ClientFor(connectionString), nil
}
