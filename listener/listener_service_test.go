package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/lnclient"
	"github.com/paygridlabs/paygrid/tests"
)

type listenerTestSetup struct {
	svc             *tests.TestService
	invoicesService invoices.InvoicesService
	factory         *tests.MockNodeClientFactory
	listenerService *listenerService
}

func setupListenerTest(t *testing.T) *listenerTestSetup {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	t.Cleanup(svc.Remove)

	invoicesService := invoices.NewInvoicesService(svc.DB, svc.EventPublisher)
	factory := tests.NewMockNodeClientFactory()
	listenerService := NewListenerService(svc.AppConfig, invoicesService, factory, svc.EventPublisher)
	svc.EventPublisher.RegisterSubscriber(listenerService)

	return &listenerTestSetup{
		svc:             svc,
		invoicesService: invoicesService,
		factory:         factory,
		listenerService: listenerService,
	}
}

func (setup *listenerTestSetup) start(t *testing.T) {
	require.NoError(t, setup.listenerService.Start(context.Background()))
	t.Cleanup(setup.listenerService.Shutdown)
}

func (setup *listenerTestSetup) nodeListenerFor(nodeUri string) *nodeListener {
	value, ok := setup.listenerService.listeners.Load(nodeUri)
	if !ok {
		return nil
	}
	return value.(*nodeListener)
}

func (setup *listenerTestSetup) watching(nodeUri string, paymentHash string) bool {
	nodeListener := setup.nodeListenerFor(nodeUri)
	return nodeListener != nil && nodeListener.Watching(paymentHash)
}

func (setup *listenerTestSetup) paymentCount(t *testing.T) int64 {
	var count int64
	require.NoError(t, setup.svc.DB.Model(&db.Payment{}).Count(&count).Error)
	return count
}

func TestListener_AssignsPendingInvoiceToItsNode(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     123_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-assign", 123_000, tests.MockNodeUri, tests.MockPaymentHash, tests.MockInvoice)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash)
	}, 2*time.Second, 10*time.Millisecond)

	// the pending invoice keeps its subscription open
	require.Eventually(t, func() bool {
		return client.Subscriptions() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_SettlesViaPreAssignmentPoll(t *testing.T) {
	setup := setupListenerTest(t)

	settledAt := time.Now().Unix()
	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     123_000,
		SettledAt:      &settledAt,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-poll", 123_000, tests.MockNodeUri, tests.MockPaymentHash, tests.MockInvoice)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		var dbInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-poll"})
		return dbInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, setup.paymentCount(t))

	// drained watch set tears the node listener down
	require.Eventually(t, func() bool {
		return setup.nodeListenerFor(tests.MockNodeUri) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_SettlesViaSubscriptionPush(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     50_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-push", 50_000, tests.MockNodeUri, tests.MockPaymentHash, tests.MockInvoice)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash)
	}, 2*time.Second, 10*time.Millisecond)

	settledAt := time.Now().Unix()
	client.PushUpdate(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     50_000,
		SettledAt:      &settledAt,
	})

	require.Eventually(t, func() bool {
		var dbInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-push"})
		return dbInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)

	var dbInvoice db.Invoice
	require.NoError(t, setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-push"}).Error)
	assert.EqualValues(t, 50_000, dbInvoice.PaidMsat)
	assert.NotNil(t, dbInvoice.SettledAt)
	assert.EqualValues(t, 1, setup.paymentCount(t))
}

func TestListener_DuplicateSettlementIsRecordedOnce(t *testing.T) {
	setup := setupListenerTest(t)
	consumer := tests.NewMockEventConsumer()
	setup.svc.EventPublisher.RegisterSubscriber(consumer)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     75_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-dup", 75_000, tests.MockNodeUri, tests.MockPaymentHash, tests.MockInvoice)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash)
	}, 2*time.Second, 10*time.Millisecond)

	settledAt := time.Now().Unix()
	update := &lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     75_000,
		SettledAt:      &settledAt,
	}
	// the same settlement arrives via push, again via push, and via poll
	client.PushUpdate(update)
	client.PushUpdate(update)

	require.Eventually(t, func() bool {
		var dbInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-dup"})
		return dbInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)

	payment, err := setup.invoicesService.AddPayment(context.Background(), "inv-dup", &invoices.SettledPayment{
		Kind:           constants.PAYMENT_METHOD_KIND_LIGHTNING,
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		AmountMsat:     75_000,
		SettledAt:      time.Unix(settledAt, 0),
	})
	require.NoError(t, err)
	assert.Nil(t, payment)

	assert.EqualValues(t, 1, setup.paymentCount(t))
	var dbInvoice db.Invoice
	require.NoError(t, setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-dup"}).Error)
	assert.EqualValues(t, 75_000, dbInvoice.PaidMsat)

	// exactly one payment-received event, no matter how often we heard it
	require.Eventually(t, func() bool {
		return consumer.CountConsumed("pg_invoice_received_payment") == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, consumer.CountConsumed("pg_invoice_received_payment"))
}

func TestListener_ExpiredInvoiceIsSweptAndStalePushIgnored(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     10_000,
	})
	dbInvoice := db.Invoice{
		ID:         "inv-expiring",
		State:      constants.INVOICE_STATE_NEW,
		AmountMsat: 10_000,
		ExpiresAt:  time.Now().Add(200 * time.Millisecond),
		PaymentMethods: []db.PaymentMethod{
			{
				Kind:           constants.PAYMENT_METHOD_KIND_LIGHTNING,
				NodeUri:        tests.MockNodeUri,
				PaymentHash:    tests.MockPaymentHash,
				PaymentRequest: tests.MockInvoice,
				AmountMsat:     10_000,
				Activated:      true,
			},
		},
	}
	require.NoError(t, setup.svc.DB.Create(&dbInvoice).Error)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash)
	}, 2*time.Second, 10*time.Millisecond)

	// the reconciliation sweep marks the invoice expired and the expiry
	// event tears its watch down
	require.Eventually(t, func() bool {
		var expiredInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&expiredInvoice, &db.Invoice{ID: "inv-expiring"})
		return expiredInvoice.State == constants.INVOICE_STATE_EXPIRED
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return setup.nodeListenerFor(tests.MockNodeUri) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// a settlement push arriving after expiry has nothing to match
	settledAt := time.Now().Unix()
	client.PushUpdate(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     10_000,
		SettledAt:      &settledAt,
	})
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 0, setup.paymentCount(t))
}

func TestListener_NodeFailureDoesNotAffectOtherNodes(t *testing.T) {
	setup := setupListenerTest(t)

	failingNodeUri := "lnd://failing.example.com:10009?macaroon=00"
	setup.factory.FailNode(failingNodeUri, errors.New("connection refused"))

	settledAt := time.Now().Unix()
	healthyClient := setup.factory.ClientFor(tests.MockNodeUri)
	healthyClient.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash3,
		PaymentRequest: tests.MockInvoice3,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     20_000,
		SettledAt:      &settledAt,
	})

	_, err := tests.CreateTestInvoice(setup.svc, "inv-on-failing", 15_000, failingNodeUri, tests.MockPaymentHash2, tests.MockInvoice2)
	require.NoError(t, err)
	_, err = tests.CreateTestInvoice(setup.svc, "inv-on-healthy", 20_000, tests.MockNodeUri, tests.MockPaymentHash3, tests.MockInvoice3)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		var dbInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-on-healthy"})
		return dbInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)

	var failingInvoice db.Invoice
	require.NoError(t, setup.svc.DB.Limit(1).Find(&failingInvoice, &db.Invoice{ID: "inv-on-failing"}).Error)
	assert.Equal(t, constants.INVOICE_STATE_NEW, failingInvoice.State)

	// the failing node was tried and its watch is kept for the next poll
	assert.True(t, setup.watching(failingNodeUri, tests.MockPaymentHash2))
	assert.GreaterOrEqual(t, setup.factory.TimesCreated(failingNodeUri), 1)
}

func TestListener_PartialPaymentIssuesNewPaymentDetails(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     100_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-partial", 100_000, tests.MockNodeUri, tests.MockPaymentHash, tests.MockInvoice)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash)
	}, 2*time.Second, 10*time.Millisecond)

	// the payer settles the upstream invoice with less than the amount due
	settledAt := time.Now().Unix()
	client.PushUpdate(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     40_000,
		SettledAt:      &settledAt,
	})

	require.Eventually(t, func() bool {
		return client.LastMadeInvoice() != nil
	}, 2*time.Second, 10*time.Millisecond)

	newInvoice := client.LastMadeInvoice()
	assert.EqualValues(t, 60_000, newInvoice.AmountMsat)
	assert.Contains(t, client.Cancelled(), tests.MockPaymentHash)

	var paymentMethod db.PaymentMethod
	require.Eventually(t, func() bool {
		setup.svc.DB.Limit(1).Find(&paymentMethod, &db.PaymentMethod{InvoiceId: "inv-partial"})
		return paymentMethod.PaymentHash == newInvoice.PaymentHash
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 60_000, paymentMethod.AmountMsat)

	// the new upstream invoice is watched, the superseded one is not
	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, newInvoice.PaymentHash)
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, setup.watching(tests.MockNodeUri, tests.MockPaymentHash))

	var dbInvoice db.Invoice
	require.NoError(t, setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-partial"}).Error)
	assert.Equal(t, constants.INVOICE_STATE_NEW, dbInvoice.State)
	assert.Equal(t, constants.INVOICE_EXCEPTION_PAID_PARTIAL, dbInvoice.ExceptionState)
	assert.EqualValues(t, 40_000, dbInvoice.PaidMsat)

	// paying the re-issued invoice settles the remainder
	client.PushUpdate(&lnclient.Invoice{
		PaymentHash:    newInvoice.PaymentHash,
		PaymentRequest: newInvoice.PaymentRequest,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     60_000,
		SettledAt:      &settledAt,
	})

	require.Eventually(t, func() bool {
		var settledInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&settledInvoice, &db.Invoice{ID: "inv-partial"})
		return settledInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, setup.paymentCount(t))
}

func TestListener_StreamFailureFallsBackToPolling(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash4,
		PaymentRequest: tests.MockInvoice4,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     30_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-stream-fail", 30_000, tests.MockNodeUri, tests.MockPaymentHash4, tests.MockInvoice4)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash4) && client.Subscriptions() > 0
	}, 2*time.Second, 10*time.Millisecond)

	client.FailStream(errors.New("stream reset"))

	// the failed session is torn down but the watch survives
	require.Eventually(t, func() bool {
		return client.Shutdowns() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, setup.watching(tests.MockNodeUri, tests.MockPaymentHash4))

	// the next reconciliation poll still sees the settlement
	settledAt := time.Now().Unix()
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash4,
		PaymentRequest: tests.MockInvoice4,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     30_000,
		SettledAt:      &settledAt,
	})

	require.Eventually(t, func() bool {
		var dbInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-stream-fail"})
		return dbInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, setup.paymentCount(t))
}

func TestListener_StreamCloseFallsBackToPolling(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash4,
		PaymentRequest: tests.MockInvoice4,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     25_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-stream-close", 25_000, tests.MockNodeUri, tests.MockPaymentHash4, tests.MockInvoice4)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash4) && client.Subscriptions() > 0
	}, 2*time.Second, 10*time.Millisecond)

	// the stream ends without a preceding error
	client.CloseStream()

	require.Eventually(t, func() bool {
		return client.Shutdowns() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, setup.watching(tests.MockNodeUri, tests.MockPaymentHash4))

	settledAt := time.Now().Unix()
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash4,
		PaymentRequest: tests.MockInvoice4,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     25_000,
		SettledAt:      &settledAt,
	})

	require.Eventually(t, func() bool {
		var dbInvoice db.Invoice
		setup.svc.DB.Limit(1).Find(&dbInvoice, &db.Invoice{ID: "inv-stream-close"})
		return dbInvoice.State == constants.INVOICE_STATE_SETTLED
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, setup.paymentCount(t))
}

func TestListener_MismatchedPaymentRequestIsIgnored(t *testing.T) {
	setup := setupListenerTest(t)

	client := setup.factory.ClientFor(tests.MockNodeUri)
	client.SetInvoice(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice,
		Status:         lnclient.INVOICE_STATUS_PENDING,
		AmountMsat:     10_000,
	})
	_, err := tests.CreateTestInvoice(setup.svc, "inv-mismatch", 10_000, tests.MockNodeUri, tests.MockPaymentHash, tests.MockInvoice)
	require.NoError(t, err)

	setup.start(t)

	require.Eventually(t, func() bool {
		return setup.watching(tests.MockNodeUri, tests.MockPaymentHash)
	}, 2*time.Second, 10*time.Millisecond)

	// settlement notification carries a different payment request
	settledAt := time.Now().Unix()
	client.PushUpdate(&lnclient.Invoice{
		PaymentHash:    tests.MockPaymentHash,
		PaymentRequest: tests.MockInvoice2,
		Status:         lnclient.INVOICE_STATUS_PAID,
		AmountMsat:     10_000,
		SettledAt:      &settledAt,
	})

	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 0, setup.paymentCount(t))
	assert.True(t, setup.watching(tests.MockNodeUri, tests.MockPaymentHash))
}
