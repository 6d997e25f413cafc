package invoices

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/db/queries"
	"github.com/paygridlabs/paygrid/events"
	"github.com/paygridlabs/paygrid/lnclient"
	"github.com/paygridlabs/paygrid/logger"
)

type invoicesService struct {
	db             *gorm.DB
	eventPublisher events.EventPublisher
}

type InvoicesService interface {
	CreateInvoice(ctx context.Context, amountMsat uint64, description string, expiry uint64, metadata map[string]interface{}, lnClient lnclient.NodeClient, nodeUri string) (*Invoice, error)
	GetInvoice(ctx context.Context, invoiceId string) (*Invoice, error)
	GetPendingInvoiceIds(ctx context.Context) ([]string, error)
	AddPayment(ctx context.Context, invoiceId string, settledPayment *SettledPayment) (*Payment, error)
	ExpireInvoices(ctx context.Context) error
	AddInvoiceLogs(ctx context.Context, invoiceId string, logs []string) error
	ActivatePaymentMethod(ctx context.Context, paymentMethodId uint) error
	UpdatePaymentMethodDetails(ctx context.Context, paymentMethodId uint, paymentHash string, paymentRequest string, amountMsat uint64) error
}

func NewInvoicesService(db *gorm.DB, eventPublisher events.EventPublisher) *invoicesService {
	return &invoicesService{
		db:             db,
		eventPublisher: eventPublisher,
	}
}

func (svc *invoicesService) CreateInvoice(ctx context.Context, amountMsat uint64, description string, expiry uint64, metadata map[string]interface{}, lnClient lnclient.NodeClient, nodeUri string) (*Invoice, error) {
	logger.Logger.Debug().
		Uint64("amount_msat", amountMsat).
		Str("description", description).
		Uint64("expiry", expiry).
		Msg("Creating invoice")

	if expiry == 0 {
		expiry = 900
	}

	lnInvoice, err := lnClient.MakeInvoice(ctx, amountMsat, description, int64(expiry))
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create invoice on node")
		return nil, err
	}

	err = validatePaymentRequest(lnInvoice.PaymentRequest, lnInvoice.PaymentHash)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", lnInvoice.PaymentHash).
			Msg("Node returned an inconsistent invoice")
		return nil, err
	}

	var metadataBytes []byte
	if metadata != nil {
		metadataBytes, err = json.Marshal(metadata)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to serialize invoice metadata")
			return nil, err
		}
	}

	now := time.Now()
	dbInvoice := db.Invoice{
		ID:          uuid.NewString(),
		State:       constants.INVOICE_STATE_NEW,
		AmountMsat:  amountMsat,
		Description: description,
		ExpiresAt:   now.Add(time.Duration(expiry) * time.Second),
		Metadata:    datatypes.JSON(metadataBytes),
		PaymentMethods: []db.PaymentMethod{
			{
				Kind:           constants.PAYMENT_METHOD_KIND_LIGHTNING,
				NodeUri:        nodeUri,
				PaymentHash:    lnInvoice.PaymentHash,
				PaymentRequest: lnInvoice.PaymentRequest,
				AmountMsat:     amountMsat,
				Activated:      true,
			},
		},
	}

	err = svc.db.Create(&dbInvoice).Error
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to save invoice")
		return nil, err
	}

	svc.eventPublisher.Publish(&events.Event{
		Event:      "pg_invoice_created",
		Properties: &dbInvoice,
	})

	return &dbInvoice, nil
}

func (svc *invoicesService) GetInvoice(ctx context.Context, invoiceId string) (*Invoice, error) {
	var dbInvoice db.Invoice
	result := svc.db.Preload("PaymentMethods").Limit(1).Find(&dbInvoice, &db.Invoice{ID: invoiceId})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, NewNotFoundError()
	}
	return &dbInvoice, nil
}

func (svc *invoicesService) GetPendingInvoiceIds(ctx context.Context) ([]string, error) {
	return queries.GetPendingInvoiceIds(svc.db, time.Now())
}

// AddPayment records a settlement exactly once, keyed by the upstream
// payment hash. It returns nil without error when the same payment was
// already recorded; only a newly recorded payment publishes an event.
func (svc *invoicesService) AddPayment(ctx context.Context, invoiceId string, settledPayment *SettledPayment) (*Payment, error) {
	if settledPayment.PaymentHash == "" {
		return nil, errors.New("settled payment has no payment hash")
	}

	var payment *db.Payment
	var eventProperties *PaymentReceivedEventProperties
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		if db.IsPostgres(tx) {
			// lock based on payment hash to ensure we only record one payment
			// (in sqlite transactions are serializable by default)
			paymentsWithHash := []db.Payment{}
			tx.Where(&db.Payment{
				PaymentHash: settledPayment.PaymentHash,
			}).Clauses(clause.Locking{Strength: "UPDATE"}).Find(&paymentsWithHash)
		}

		var existingPayment db.Payment
		if tx.Limit(1).Find(&existingPayment, &db.Payment{
			PaymentHash: settledPayment.PaymentHash,
		}).RowsAffected > 0 {
			logger.Logger.Debug().
				Str("payment_hash", settledPayment.PaymentHash).
				Msg("Payment already recorded")
			return nil
		}

		var dbInvoice db.Invoice
		result := tx.Limit(1).Find(&dbInvoice, &db.Invoice{ID: invoiceId})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return NewNotFoundError()
		}

		newPayment := db.Payment{
			InvoiceId:      dbInvoice.ID,
			Kind:           settledPayment.Kind,
			PaymentHash:    settledPayment.PaymentHash,
			PaymentRequest: settledPayment.PaymentRequest,
			AmountMsat:     settledPayment.AmountMsat,
			SettledAt:      settledPayment.SettledAt,
			Accounted:      true,
		}
		err := tx.Create(&newPayment).Error
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("payment_hash", settledPayment.PaymentHash).
				Msg("Failed to create payment")
			return err
		}

		paidMsat := dbInvoice.PaidMsat + settledPayment.AmountMsat
		updates := map[string]interface{}{
			"PaidMsat": paidMsat,
		}
		settled := paidMsat >= dbInvoice.AmountMsat
		if settled {
			now := time.Now()
			updates["State"] = constants.INVOICE_STATE_SETTLED
			updates["ExceptionState"] = constants.INVOICE_EXCEPTION_NONE
			updates["SettledAt"] = &now
		} else {
			updates["ExceptionState"] = constants.INVOICE_EXCEPTION_PAID_PARTIAL
		}
		err = tx.Model(&dbInvoice).Updates(updates).Error
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("invoice_id", dbInvoice.ID).
				Msg("Failed to update invoice")
			return err
		}

		payment = &newPayment
		eventProperties = &PaymentReceivedEventProperties{
			InvoiceId:   dbInvoice.ID,
			PaymentHash: newPayment.PaymentHash,
			AmountMsat:  newPayment.AmountMsat,
			PaidMsat:    paidMsat,
			DueMsat:     dbInvoice.AmountMsat,
			Settled:     settled,
		}
		return nil
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("payment_hash", settledPayment.PaymentHash).
			Msg("Failed to execute DB transaction")
		return nil, err
	}

	if payment == nil {
		// duplicate settlement, treated as success
		return nil, nil
	}

	logger.Logger.Info().
		Str("invoice_id", invoiceId).
		Str("payment_hash", payment.PaymentHash).
		Uint64("amount_msat", payment.AmountMsat).
		Bool("settled", eventProperties.Settled).
		Msg("Recorded payment")

	svc.eventPublisher.Publish(&events.Event{
		Event:      "pg_invoice_received_payment",
		Properties: eventProperties,
	})
	if eventProperties.Settled {
		svc.eventPublisher.Publish(&events.Event{
			Event:      "pg_invoice_settled",
			Properties: eventProperties,
		})
	}

	return payment, nil
}

// ExpireInvoices transitions invoices past their expiry from NEW to
// EXPIRED and publishes an event per expired invoice.
func (svc *invoicesService) ExpireInvoices(ctx context.Context) error {
	var expiredInvoices []db.Invoice
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("state = ? AND expires_at < ?", constants.INVOICE_STATE_NEW, time.Now()).Find(&expiredInvoices).Error
		if err != nil {
			return err
		}
		if len(expiredInvoices) == 0 {
			return nil
		}

		invoiceIds := make([]string, 0, len(expiredInvoices))
		for _, dbInvoice := range expiredInvoices {
			invoiceIds = append(invoiceIds, dbInvoice.ID)
		}
		return tx.Model(&db.Invoice{}).Where("id IN ?", invoiceIds).Update("State", constants.INVOICE_STATE_EXPIRED).Error
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to expire invoices")
		return err
	}

	for _, dbInvoice := range expiredInvoices {
		dbInvoice.State = constants.INVOICE_STATE_EXPIRED
		logger.Logger.Info().
			Str("invoice_id", dbInvoice.ID).
			Msg("Invoice expired")
		_ = svc.AddInvoiceLogs(ctx, dbInvoice.ID, []string{"Invoice expired"})
		svc.eventPublisher.Publish(&events.Event{
			Event:      "pg_invoice_expired",
			Properties: &dbInvoice,
		})
	}
	return nil
}

func (svc *invoicesService) AddInvoiceLogs(ctx context.Context, invoiceId string, logs []string) error {
	if len(logs) == 0 {
		return nil
	}

	dbLogs := make([]db.InvoiceLog, 0, len(logs))
	for _, message := range logs {
		dbLogs = append(dbLogs, db.InvoiceLog{
			InvoiceId: invoiceId,
			Message:   message,
		})
	}

	err := svc.db.Create(&dbLogs).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("invoice_id", invoiceId).
			Msg("Failed to save invoice logs")
	}
	return err
}

func (svc *invoicesService) ActivatePaymentMethod(ctx context.Context, paymentMethodId uint) error {
	var paymentMethod db.PaymentMethod
	result := svc.db.Limit(1).Find(&paymentMethod, paymentMethodId)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return NewNotFoundError()
	}

	err := svc.db.Model(&paymentMethod).Update("Activated", true).Error
	if err != nil {
		return err
	}

	svc.eventPublisher.Publish(&events.Event{
		Event: "pg_payment_method_activated",
		Properties: &NewPaymentDetailsEventProperties{
			InvoiceId:       paymentMethod.InvoiceId,
			PaymentMethodId: paymentMethod.ID,
			PaymentHash:     paymentMethod.PaymentHash,
			PaymentRequest:  paymentMethod.PaymentRequest,
			AmountMsat:      paymentMethod.AmountMsat,
		},
	})
	return nil
}

func (svc *invoicesService) UpdatePaymentMethodDetails(ctx context.Context, paymentMethodId uint, paymentHash string, paymentRequest string, amountMsat uint64) error {
	var paymentMethod db.PaymentMethod
	result := svc.db.Limit(1).Find(&paymentMethod, paymentMethodId)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return NewNotFoundError()
	}

	err := svc.db.Model(&paymentMethod).Updates(map[string]interface{}{
		"PaymentHash":    paymentHash,
		"PaymentRequest": paymentRequest,
		"AmountMsat":     amountMsat,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("payment_method_id", paymentMethodId).
			Msg("Failed to update payment method details")
		return err
	}

	svc.eventPublisher.Publish(&events.Event{
		Event: "pg_new_payment_details",
		Properties: &NewPaymentDetailsEventProperties{
			InvoiceId:       paymentMethod.InvoiceId,
			PaymentMethodId: paymentMethod.ID,
			PaymentHash:     paymentHash,
			PaymentRequest:  paymentRequest,
			AmountMsat:      amountMsat,
		},
	})
	return nil
}

func validatePaymentRequest(paymentRequest string, paymentHash string) error {
	bolt11, err := decodepay.Decodepay(strings.ToLower(paymentRequest))
	if err != nil {
		return err
	}
	if !strings.EqualFold(bolt11.PaymentHash, paymentHash) {
		return errors.New("payment request does not match payment hash")
	}
	return nil
}
