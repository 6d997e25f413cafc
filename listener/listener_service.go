package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paygridlabs/paygrid/config"
	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/events"
	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/lnclient"
	"github.com/paygridlabs/paygrid/logger"
)

type listenerService struct {
	invoicesService invoices.InvoicesService
	factory         lnclient.Factory
	eventPublisher  events.EventPublisher
	network         string
	pollInterval    time.Duration
	callTimeout     time.Duration

	queue *workQueue
	cache *watchCache

	// listeners is keyed by node uri
	listeners sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewListenerService(appConfig *config.AppConfig, invoicesService invoices.InvoicesService, factory lnclient.Factory, eventPublisher events.EventPublisher) *listenerService {
	pollInterval := appConfig.PollInterval
	if pollInterval == 0 {
		pollInterval = constants.POLL_INTERVAL_DEFAULT
	}
	callTimeout := appConfig.NodeCallTimeout
	if callTimeout == 0 {
		callTimeout = constants.NODE_CALL_TIMEOUT_DEFAULT
	}
	cacheTTL := appConfig.WatchCacheTTL
	if cacheTTL == 0 {
		cacheTTL = constants.WATCH_CACHE_TTL_DEFAULT
	}

	return &listenerService{
		invoicesService: invoicesService,
		factory:         factory,
		eventPublisher:  eventPublisher,
		network:         appConfig.Network,
		pollInterval:    pollInterval,
		callTimeout:     callTimeout,
		queue:           newWorkQueue(),
		cache:           newWatchCache(cacheTTL),
	}
}

func (svc *listenerService) Start(ctx context.Context) error {
	if svc.cancel != nil {
		return errors.New("listener already started")
	}
	svc.ctx, svc.cancel = context.WithCancel(ctx)

	// seed the queue with everything that was pending before startup
	pendingInvoiceIds, err := svc.invoicesService.GetPendingInvoiceIds(svc.ctx)
	if err != nil {
		return err
	}
	for _, invoiceId := range pendingInvoiceIds {
		svc.queue.Enqueue(invoiceId)
	}
	logger.Logger.Info().
		Int("pending_invoices", len(pendingInvoiceIds)).
		Msg("Starting payment listener")

	svc.wg.Add(2)
	go svc.worker()
	go svc.reconcile()
	return nil
}

func (svc *listenerService) Shutdown() {
	if svc.cancel == nil {
		return
	}
	svc.cancel()
	svc.wg.Wait()
	svc.listeners.Range(func(key, value any) bool {
		value.(*nodeListener).Close()
		svc.listeners.Delete(key)
		return true
	})
	logger.Logger.Info().Msg("Payment listener stopped")
}

func (svc *listenerService) EnqueueInvoice(invoiceId string) {
	svc.queue.Enqueue(invoiceId)
}

func (svc *listenerService) ConsumeEvent(ctx context.Context, event *events.Event, globalProperties map[string]interface{}) {
	switch event.Event {
	case "pg_invoice_created":
		dbInvoice, ok := event.Properties.(*db.Invoice)
		if !ok {
			logger.Logger.Error().Interface("event", event).Msg("Failed to cast event")
			return
		}
		svc.queue.Enqueue(dbInvoice.ID)

	case "pg_invoice_expired":
		dbInvoice, ok := event.Properties.(*db.Invoice)
		if !ok {
			logger.Logger.Error().Interface("event", event).Msg("Failed to cast event")
			return
		}
		svc.cache.Invalidate(dbInvoice.ID)
		svc.queue.Enqueue(dbInvoice.ID)

	case "pg_invoice_received_payment":
		properties, ok := event.Properties.(*invoices.PaymentReceivedEventProperties)
		if !ok {
			logger.Logger.Error().Interface("event", event).Msg("Failed to cast event")
			return
		}
		svc.cache.Invalidate(properties.InvoiceId)
		if !properties.Settled {
			svc.reissuePaymentMethods(ctx, properties.InvoiceId)
		}
		svc.queue.Enqueue(properties.InvoiceId)

	case "pg_payment_method_activated", "pg_new_payment_details":
		properties, ok := event.Properties.(*invoices.NewPaymentDetailsEventProperties)
		if !ok {
			logger.Logger.Error().Interface("event", event).Msg("Failed to cast event")
			return
		}
		svc.cache.Invalidate(properties.InvoiceId)
		svc.queue.Enqueue(properties.InvoiceId)
	}
}

func (svc *listenerService) worker() {
	defer svc.wg.Done()
	for {
		invoiceId, err := svc.queue.Dequeue(svc.ctx)
		if err != nil {
			return
		}
		svc.checkInvoice(svc.ctx, invoiceId)
		svc.sweepExpired()
	}
}

func (svc *listenerService) reconcile() {
	defer svc.wg.Done()
	ticker := time.NewTicker(svc.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-svc.ctx.Done():
			return
		case <-ticker.C:
			err := svc.invoicesService.ExpireInvoices(svc.ctx)
			if err != nil {
				logger.Logger.Error().Err(err).Msg("Failed to expire invoices")
			}
			pendingInvoiceIds, err := svc.invoicesService.GetPendingInvoiceIds(svc.ctx)
			if err != nil {
				logger.Logger.Error().Err(err).Msg("Failed to list pending invoices")
				continue
			}
			for _, invoiceId := range pendingInvoiceIds {
				svc.queue.Enqueue(invoiceId)
			}
			svc.cache.DeleteExpired()
		}
	}
}

// checkInvoice assigns the invoice's lightning payment methods to their
// node listeners and polls each one immediately. A node failure only
// affects the watches on that node.
func (svc *listenerService) checkInvoice(ctx context.Context, invoiceId string) {
	watches, err := svc.getWatches(ctx, invoiceId)
	if err != nil {
		logger.Logger.Error().Err(err).Str("invoice_id", invoiceId).Msg("Failed to load invoice watches")
		return
	}
	if len(watches) == 0 {
		svc.removeInvoiceWatches(invoiceId)
		return
	}

	now := time.Now()
	for _, watch := range watches {
		if watch.Expired(now) {
			continue
		}

		nodeListener := svc.getOrCreateListener(watch.NodeUri)
		nodeListener.AddWatch(watch)
		done, err := nodeListener.CheckWatch(ctx, watch)
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("invoice_id", watch.InvoiceId).
				Str("node_uri", watch.NodeUri).
				Msg("Failed to poll invoice on its node")
		}
		if done {
			continue
		}
		nodeListener.EnsureSubscribed()
	}
}

// getWatches returns the active watch entries for the invoice, from cache
// when possible. A terminal invoice yields no entries.
func (svc *listenerService) getWatches(ctx context.Context, invoiceId string) ([]*WatchedInvoice, error) {
	if watches, ok := svc.cache.Get(invoiceId); ok {
		return watches, nil
	}

	invoice, err := svc.invoicesService.GetInvoice(ctx, invoiceId)
	if err != nil {
		return nil, err
	}

	watches := []*WatchedInvoice{}
	if invoice.State == constants.INVOICE_STATE_NEW && time.Now().Before(invoice.ExpiresAt) {
		for _, paymentMethod := range invoice.PaymentMethods {
			if !isLightningLike(paymentMethod.Kind) {
				continue
			}
			if !paymentMethod.Activated || paymentMethod.PaymentHash == "" {
				continue
			}
			watches = append(watches, &WatchedInvoice{
				InvoiceId:       invoice.ID,
				PaymentMethodId: paymentMethod.ID,
				Kind:            paymentMethod.Kind,
				NodeUri:         paymentMethod.NodeUri,
				PaymentHash:     paymentMethod.PaymentHash,
				PaymentRequest:  paymentMethod.PaymentRequest,
				ExpiresAt:       invoice.ExpiresAt,
			})
		}
	}

	svc.cache.Set(invoiceId, watches, invoice.ExpiresAt)
	return watches, nil
}

// getOrCreateListener returns the listener for a node, creating it if
// needed. Concurrent callers for the same node observe the same listener.
func (svc *listenerService) getOrCreateListener(nodeUri string) *nodeListener {
	if value, ok := svc.listeners.Load(nodeUri); ok {
		return value.(*nodeListener)
	}

	created := newNodeListener(svc.ctx, nodeUri, svc.network, svc.factory, svc.invoicesService, svc.callTimeout)
	value, loaded := svc.listeners.LoadOrStore(nodeUri, created)
	if loaded {
		created.Close()
	}
	return value.(*nodeListener)
}

func (svc *listenerService) removeInvoiceWatches(invoiceId string) {
	svc.listeners.Range(func(key, value any) bool {
		value.(*nodeListener).RemoveInvoice(invoiceId)
		return true
	})
}

// sweepExpired drops expired watches and tears down listeners whose watch
// set drained.
func (svc *listenerService) sweepExpired() {
	now := time.Now()
	svc.listeners.Range(func(key, value any) bool {
		nodeListener := value.(*nodeListener)
		nodeListener.RemoveExpired(now)
		if nodeListener.Empty() {
			svc.listeners.Delete(key)
			nodeListener.Close()
		}
		return true
	})
}
