package tests

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/paygridlabs/paygrid/config"
	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/db/migrations"
	"github.com/paygridlabs/paygrid/events"
	"github.com/paygridlabs/paygrid/logger"
)

// deterministic regtest-style fixtures: each payment request is a real,
// signed BOLT11 string whose payment hash matches the constant next to it
const (
	MockPaymentHash = "634c544342ab1713770443ce1e096202ab41f0232b871f43ec699f521dd23aec"
	MockInvoice     = "lnbc1pnhfpvqpp5vdx9gs6z4vt3xacyg08puztzq245rupr9wr37slvdx04y8wj8tkqdq8w3jhxaqxqxfvcqcqhct2wnqfu6fmsyprgqmypxagf7egdgprxhkakscxctlu5g2tfs8rc49fxjh62ztta53l9gps4xr9xazffl08fu6md96utz3yxrafdusppd9fdq"

	MockPaymentHash2 = "6d9de99bbe658002541a04854cab5fce05fb1d47776c23f055a80c037cd261a1"
	MockInvoice2     = "lnbc1pnhfpvqpp5dkw7nxa7vkqqy4q6qjz5e26leczlk828wakz8uz44qxqxlxjvxssdq8w3jhxaqxqxfvcqcq90f8ggsfcxmvq5xm9yl7yzc8jgu069hrspv2pj9cmvur8mjkkzjj0533rwj0ly0vztmp2j4j4vy4fdpq8hhe44qfuqavh2hksal8egqqfds9g4"

	MockPaymentHash3 = "1adfede275c85939486f81027fa87bc5750466ca6c3422a0590f4106433bd484"
	MockInvoice3     = "lnbc1pnhfpvqpp5rt07mcn4epvnjjr0syp8l2rmc46sgek2ds6z9gzepaqsvsem6jzqdq8w3jhxaqxqxfvcqcqdpgmqkdt652707zau9e8pwn22ekvrwea0556sn2gdkpdvduhdrz8s09x6sj9uyjfdgkpqthm8rhj5jh6836lm0k5nkzqhw65qydjrwqpmvjpxg"

	MockPaymentHash4 = "b2244b8c407b88eb0b1fcf7c44c4d816bba453ac1caeb78c7e97eb47ef77f56e"
	MockInvoice4     = "lnbc1pnhfpvqpp5kgjyhrzq0wywkzclea7yf3xcz6a6g5avrjht0rr7jl450mmh74hqdq8w3jhxaqxqxfvcqcqcj3rrtu6x5wg0u0cuyc3vq4rpjph8xw3e4r2wjhwv4axwu6cwessx0tr0fnmv79ugynvmu4mhhl2q6xg9u0l0cs7w9adcuge94y683gqc3t9gn"
)

const MockNodeUri = "lnd://127.0.0.1:10009?macaroon=00"

type TestService struct {
	DB             *gorm.DB
	EventPublisher events.EventPublisher
	AppConfig      *config.AppConfig
	Cfg            config.Config
}

func CreateTestService(t *testing.T) (*TestService, error) {
	logger.Init("4")

	gormDB, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"), false)
	if err != nil {
		return nil, err
	}
	err = migrations.Migrate(gormDB)
	if err != nil {
		return nil, err
	}

	appConfig := &config.AppConfig{
		Network:         "mainnet",
		PollInterval:    50 * time.Millisecond,
		NodeCallTimeout: time.Second,
		WatchCacheTTL:   time.Minute,
	}
	cfg, err := config.NewConfig(appConfig, gormDB)
	if err != nil {
		return nil, err
	}

	return &TestService{
		DB:             gormDB,
		EventPublisher: events.NewEventPublisher(),
		AppConfig:      appConfig,
		Cfg:            cfg,
	}, nil
}

func (svc *TestService) Remove() {
	_ = db.Stop(svc.DB)
}

// CreateTestInvoice stores a pending invoice with one activated lightning
// payment method, the way the invoices service would persist it.
func CreateTestInvoice(svc *TestService, invoiceId string, amountMsat uint64, nodeUri string, paymentHash string, paymentRequest string) (*db.Invoice, error) {
	dbInvoice := db.Invoice{
		ID:          invoiceId,
		State:       constants.INVOICE_STATE_NEW,
		AmountMsat:  amountMsat,
		Description: "test",
		ExpiresAt:   time.Now().Add(time.Hour),
		PaymentMethods: []db.PaymentMethod{
			{
				Kind:           constants.PAYMENT_METHOD_KIND_LIGHTNING,
				NodeUri:        nodeUri,
				PaymentHash:    paymentHash,
				PaymentRequest: paymentRequest,
				AmountMsat:     amountMsat,
				Activated:      true,
			},
		},
	}
	err := svc.DB.Create(&dbInvoice).Error
	if err != nil {
		return nil, err
	}
	return &dbInvoice, nil
}
