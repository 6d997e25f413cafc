package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/paygridlabs/paygrid/lnclient"
	"github.com/paygridlabs/paygrid/lnclient/lnd/wrapper"
	"github.com/paygridlabs/paygrid/logger"
	"github.com/rs/zerolog"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
)

const uriScheme = "lnd://"

type LNDService struct {
	client *wrapper.LNDWrapper
	logger zerolog.Logger
}

// NewLNDService opens a session with a single LND node. The connection
// string has the form lnd://host:port?cert=<hex>&macaroon=<hex>; the cert
// parameter may be omitted when the node presents a CA-signed certificate.
func NewLNDService(ctx context.Context, connectionString string, network string) (lnclient.NodeClient, error) {
	options, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	lndClient, err := wrapper.NewLNDclient(*options)
	if err != nil {
		logger.Logger.Error().Err(err).Str("address", options.Address).Msg("Failed to create LND client")
		return nil, err
	}

	svc := &LNDService{
		client: lndClient,
		logger: logger.Logger.With().Str("node_address", options.Address).Logger(),
	}

	info, err := svc.GetInfo(ctx)
	if err != nil {
		// close the connection rather than leaking it; callers treat a
		// failed handshake as node unavailable
		_ = lndClient.Close()
		return nil, err
	}
	if network != "" && info.Network != "" && info.Network != network {
		_ = lndClient.Close()
		return nil, errors.New("node is on network " + info.Network + ", expected " + network)
	}

	svc.logger.Debug().Str("alias", info.Alias).Msg("Connected to LND")

	return svc, nil
}

func parseConnectionString(connectionString string) (*wrapper.LNDoptions, error) {
	if !strings.HasPrefix(connectionString, uriScheme) {
		return nil, errors.New("unsupported node uri scheme")
	}
	parsed, err := url.Parse(connectionString)
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, errors.New("node uri is missing a host")
	}

	return &wrapper.LNDoptions{
		Address:     parsed.Host,
		CertHex:     parsed.Query().Get("cert"),
		MacaroonHex: parsed.Query().Get("macaroon"),
	}, nil
}

func (svc *LNDService) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	resp, err := svc.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}

	network := ""
	if len(resp.Chains) > 0 {
		network = resp.Chains[0].Network
	}

	return &lnclient.NodeInfo{
		Alias:   resp.Alias,
		Pubkey:  resp.IdentityPubkey,
		Network: network,
	}, nil
}

func (svc *LNDService) LookupInvoice(ctx context.Context, paymentHash string) (*lnclient.Invoice, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(hashBytes) != 32 {
		return nil, errors.New("invalid payment hash")
	}

	resp, err := svc.client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hashBytes})
	if err != nil {
		if grpcErr, ok := status.FromError(err); ok && grpcErr.Code() == codes.NotFound {
			return nil, lnclient.ErrInvoiceNotFound
		}
		svc.logger.Error().Err(err).Str("payment_hash", paymentHash).Msg("Failed to lookup invoice")
		return nil, err
	}

	return lndInvoiceToInvoice(resp), nil
}

func (svc *LNDService) MakeInvoice(ctx context.Context, amountMsat uint64, description string, expiry int64) (*lnclient.Invoice, error) {
	resp, err := svc.client.AddInvoice(ctx, &lnrpc.Invoice{
		ValueMsat: int64(amountMsat),
		Memo:      description,
		Expiry:    expiry,
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to create invoice")
		return nil, err
	}

	inv, err := svc.client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: resp.RHash})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to lookup created invoice")
		return nil, err
	}

	return lndInvoiceToInvoice(inv), nil
}

func (svc *LNDService) CancelInvoice(ctx context.Context, paymentHash string) error {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(hashBytes) != 32 {
		return errors.New("invalid payment hash")
	}

	_, err = svc.client.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{PaymentHash: hashBytes})
	if err != nil {
		svc.logger.Warn().Err(err).Str("payment_hash", paymentHash).Msg("Failed to cancel invoice")
		return err
	}
	return nil
}

func (svc *LNDService) SubscribeInvoices(ctx context.Context) (<-chan *lnclient.Invoice, <-chan error, error) {
	invoiceStream, err := svc.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, nil, err
	}

	updates := make(chan *lnclient.Invoice)
	errs := make(chan error, 1)

	go func() {
		defer close(updates)
		for {
			invoice, err := invoiceStream.Recv()
			if err != nil {
				select {
				case errs <- err:
				case <-ctx.Done():
				}
				return
			}

			select {
			case updates <- lndInvoiceToInvoice(invoice):
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, errs, nil
}

func (svc *LNDService) Shutdown() error {
	return svc.client.Close()
}

func lndInvoiceToInvoice(invoice *lnrpc.Invoice) *lnclient.Invoice {
	var settledAt *int64
	var expiresAt *int64
	if invoice.SettleDate > 0 {
		settleDate := invoice.SettleDate
		settledAt = &settleDate
	}
	if invoice.CreationDate > 0 && invoice.Expiry > 0 {
		expiry := invoice.CreationDate + invoice.Expiry
		expiresAt = &expiry
	}

	status := lnclient.INVOICE_STATUS_UNKNOWN
	switch invoice.State {
	case lnrpc.Invoice_OPEN, lnrpc.Invoice_ACCEPTED:
		status = lnclient.INVOICE_STATUS_PENDING
		if expiresAt != nil && time.Now().Unix() > *expiresAt {
			status = lnclient.INVOICE_STATUS_EXPIRED
		}
	case lnrpc.Invoice_SETTLED:
		status = lnclient.INVOICE_STATUS_PAID
	case lnrpc.Invoice_CANCELED:
		status = lnclient.INVOICE_STATUS_EXPIRED
	}

	amountMsat := uint64(invoice.ValueMsat)
	if invoice.State == lnrpc.Invoice_SETTLED && invoice.AmtPaidMsat > 0 {
		amountMsat = uint64(invoice.AmtPaidMsat)
	}

	preimage := ""
	if invoice.State == lnrpc.Invoice_SETTLED {
		preimage = hex.EncodeToString(invoice.RPreimage)
	}

	return &lnclient.Invoice{
		PaymentHash:    hex.EncodeToString(invoice.RHash),
		PaymentRequest: invoice.PaymentRequest,
		Description:    invoice.Memo,
		Status:         status,
		AmountMsat:     amountMsat,
		CreatedAt:      invoice.CreationDate,
		ExpiresAt:      expiresAt,
		SettledAt:      settledAt,
		Preimage:       preimage,
	}
}
