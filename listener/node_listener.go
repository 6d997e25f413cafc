package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/lnclient"
	"github.com/paygridlabs/paygrid/logger"
)

// nodeListener owns the watch set of a single node and the one subscription
// stream consuming its settlement pushes.
type nodeListener struct {
	nodeUri         string
	network         string
	factory         lnclient.Factory
	invoicesService invoices.InvoicesService
	callTimeout     time.Duration
	logger          zerolog.Logger

	// watches is keyed by upstream payment hash
	watches             sync.Map
	subscriptionRunning atomic.Bool

	clientMtx sync.Mutex
	client    lnclient.NodeClient

	ctx    context.Context
	cancel context.CancelFunc
}

func newNodeListener(ctx context.Context, nodeUri string, network string, factory lnclient.Factory, invoicesService invoices.InvoicesService, callTimeout time.Duration) *nodeListener {
	nodeCtx, cancel := context.WithCancel(ctx)
	return &nodeListener{
		nodeUri:         nodeUri,
		network:         network,
		factory:         factory,
		invoicesService: invoicesService,
		callTimeout:     callTimeout,
		logger:          logger.Logger.With().Str("node_uri", nodeUri).Logger(),
		ctx:             nodeCtx,
		cancel:          cancel,
	}
}

func (nl *nodeListener) AddWatch(watch *WatchedInvoice) {
	nl.watches.LoadOrStore(watch.PaymentHash, watch)
}

func (nl *nodeListener) RemoveWatch(paymentHash string) {
	nl.watches.Delete(paymentHash)
}

// RemoveInvoice drops every watch belonging to the given invoice.
func (nl *nodeListener) RemoveInvoice(invoiceId string) {
	nl.watches.Range(func(key, value any) bool {
		if value.(*WatchedInvoice).InvoiceId == invoiceId {
			nl.watches.Delete(key)
		}
		return true
	})
}

// RemoveExpired sweeps watches whose invoice is past expiry.
func (nl *nodeListener) RemoveExpired(now time.Time) {
	nl.watches.Range(func(key, value any) bool {
		watch := value.(*WatchedInvoice)
		if watch.Expired(now) {
			nl.watches.Delete(key)
			nl.logger.Debug().
				Str("invoice_id", watch.InvoiceId).
				Str("payment_hash", watch.PaymentHash).
				Msg("Removed expired watch")
		}
		return true
	})
}

func (nl *nodeListener) Empty() bool {
	empty := true
	nl.watches.Range(func(key, value any) bool {
		empty = false
		return false
	})
	return empty
}

func (nl *nodeListener) Watching(paymentHash string) bool {
	_, ok := nl.watches.Load(paymentHash)
	return ok
}

func (nl *nodeListener) Close() {
	nl.cancel()
	nl.closeClient()
}

func (nl *nodeListener) getClient(ctx context.Context) (lnclient.NodeClient, error) {
	nl.clientMtx.Lock()
	defer nl.clientMtx.Unlock()

	if nl.client != nil {
		return nl.client, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, nl.callTimeout)
	defer cancel()
	client, err := nl.factory.Create(connectCtx, nl.nodeUri, nl.network)
	if err != nil {
		return nil, err
	}
	nl.client = client
	return client, nil
}

func (nl *nodeListener) closeClient() {
	nl.clientMtx.Lock()
	defer nl.clientMtx.Unlock()

	if nl.client != nil {
		_ = nl.client.Shutdown()
		nl.client = nil
	}
}

// CheckWatch polls the node once for the watched invoice. It returns true
// when the watch reached a terminal state and was removed.
func (nl *nodeListener) CheckWatch(ctx context.Context, watch *WatchedInvoice) (bool, error) {
	client, err := nl.getClient(ctx)
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, nl.callTimeout)
	defer cancel()
	lnInvoice, err := client.LookupInvoice(callCtx, watch.PaymentHash)
	if err != nil {
		if errors.Is(err, lnclient.ErrInvoiceNotFound) {
			nl.logger.Warn().
				Str("invoice_id", watch.InvoiceId).
				Str("payment_hash", watch.PaymentHash).
				Msg("Watched invoice is unknown to its node, dropping watch")
			nl.RemoveWatch(watch.PaymentHash)
			return true, nil
		}
		return false, err
	}

	return nl.applyUpdate(ctx, watch, lnInvoice), nil
}

// applyUpdate folds a node-side invoice state into the watch set and
// returns true when the watch is done.
func (nl *nodeListener) applyUpdate(ctx context.Context, watch *WatchedInvoice, lnInvoice *lnclient.Invoice) bool {
	// only accept a settlement for the exact payment request we issued
	if lnInvoice.PaymentRequest != "" && watch.PaymentRequest != "" && lnInvoice.PaymentRequest != watch.PaymentRequest {
		nl.logger.Warn().
			Str("invoice_id", watch.InvoiceId).
			Str("payment_hash", watch.PaymentHash).
			Msg("Ignoring update for mismatched payment request")
		return false
	}

	switch lnInvoice.Status {
	case lnclient.INVOICE_STATUS_PAID:
		if lnInvoice.SettledAt == nil || lnInvoice.AmountMsat == 0 {
			nl.logger.Warn().
				Str("invoice_id", watch.InvoiceId).
				Str("payment_hash", watch.PaymentHash).
				Msg("Settled invoice is missing settle date or amount, keeping watch")
			return false
		}
		nl.recordSettlement(ctx, watch, lnInvoice)
		nl.RemoveWatch(watch.PaymentHash)
		return true
	case lnclient.INVOICE_STATUS_EXPIRED:
		nl.RemoveWatch(watch.PaymentHash)
		return true
	}
	return false
}

func (nl *nodeListener) recordSettlement(ctx context.Context, watch *WatchedInvoice, lnInvoice *lnclient.Invoice) {
	payment, err := nl.invoicesService.AddPayment(ctx, watch.InvoiceId, &invoices.SettledPayment{
		Kind:           watch.Kind,
		PaymentHash:    lnInvoice.PaymentHash,
		PaymentRequest: lnInvoice.PaymentRequest,
		AmountMsat:     lnInvoice.AmountMsat,
		SettledAt:      time.Unix(*lnInvoice.SettledAt, 0),
	})
	if err != nil {
		nl.logger.Error().Err(err).
			Str("invoice_id", watch.InvoiceId).
			Str("payment_hash", watch.PaymentHash).
			Msg("Failed to record settled payment")
		return
	}
	if payment == nil {
		nl.logger.Debug().
			Str("payment_hash", watch.PaymentHash).
			Msg("Settlement was already recorded")
		return
	}

	_ = nl.invoicesService.AddInvoiceLogs(ctx, watch.InvoiceId, []string{
		fmt.Sprintf("Received payment of %d msat (%s)", lnInvoice.AmountMsat, watch.Kind),
	})
}

// EnsureSubscribed starts the subscription goroutine unless one is already
// running for this node.
func (nl *nodeListener) EnsureSubscribed() {
	if nl.subscriptionRunning.CompareAndSwap(false, true) {
		go nl.subscribe()
	}
}

func (nl *nodeListener) subscribe() {
	defer nl.subscriptionRunning.Store(false)

	ctx := nl.ctx
	client, err := nl.getClient(ctx)
	if err != nil {
		nl.logger.Error().Err(err).Msg("Node unavailable, relying on polling until the next check")
		nl.closeClient()
		return
	}

	updates, errs, err := client.SubscribeInvoices(ctx)
	if err != nil {
		nl.logger.Error().Err(err).Msg("Failed to subscribe to invoice updates, relying on polling until the next check")
		nl.closeClient()
		return
	}

	// poll the full watch set first so a settlement that happened before
	// the stream was open is not missed
	nl.pollAll(ctx)
	if nl.Empty() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			nl.logger.Error().Err(err).Msg("Invoice subscription failed, relying on polling until the next check")
			nl.closeClient()
			return
		case lnInvoice, ok := <-updates:
			if !ok {
				// the stream goroutine may report its error just before
				// closing the channel
				select {
				case err := <-errs:
					nl.logger.Error().Err(err).Msg("Invoice subscription failed, relying on polling until the next check")
				default:
					nl.logger.Error().Msg("Invoice stream closed, relying on polling until the next check")
				}
				nl.closeClient()
				return
			}
			value, watching := nl.watches.Load(lnInvoice.PaymentHash)
			if !watching {
				continue
			}
			nl.applyUpdate(ctx, value.(*WatchedInvoice), lnInvoice)
			if nl.Empty() {
				// nothing left to watch on this node
				return
			}
		}
	}
}

func (nl *nodeListener) pollAll(ctx context.Context) {
	nl.watches.Range(func(key, value any) bool {
		watch := value.(*WatchedInvoice)
		_, err := nl.CheckWatch(ctx, watch)
		if err != nil {
			nl.logger.Debug().Err(err).
				Str("payment_hash", watch.PaymentHash).
				Msg("Failed to poll watched invoice")
		}
		return true
	})
}
