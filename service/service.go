package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gorm.io/gorm"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/paygridlabs/paygrid/config"
	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/db/migrations"
	"github.com/paygridlabs/paygrid/events"
	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/listener"
	"github.com/paygridlabs/paygrid/lnclient"
	"github.com/paygridlabs/paygrid/lnclient/lnd"
	"github.com/paygridlabs/paygrid/logger"
	"github.com/paygridlabs/paygrid/pkg/version"
)

type service struct {
	cfg config.Config

	db              *gorm.DB
	nodeClient      lnclient.NodeClient
	defaultNodeUri  string
	invoicesService invoices.InvoicesService
	listenerService listener.ListenerService
	eventPublisher  events.EventPublisher
	ctx             context.Context
}

func NewService(ctx context.Context) (*service, error) {
	// Load config from environment variables / .env file
	godotenv.Load(".env")
	appConfig := &config.AppConfig{}
	err := envconfig.Process("", appConfig)
	if err != nil {
		return nil, err
	}

	logger.Init(appConfig.LogLevel)
	logger.Logger.Info().Msg("Paygrid " + version.Tag)

	// LND is the only supported backend for now
	if appConfig.LNBackendType != config.LNBackendTypeLND {
		return nil, fmt.Errorf("unsupported LN backend type: %s", appConfig.LNBackendType)
	}

	if appConfig.Workdir == "" {
		appConfig.Workdir = filepath.Join(xdg.DataHome, constants.APP_IDENTIFIER)
		logger.Logger.Info().Interface("workdir", appConfig.Workdir).Msg("No workdir specified, using default")
	}
	// make sure workdir exists
	os.MkdirAll(appConfig.Workdir, os.ModePerm)

	if appConfig.LogToFile {
		err = logger.AddFileLogger(appConfig.Workdir)
		if err != nil {
			return nil, err
		}
	}

	// If DATABASE_URI is a URI or a path, leave it unchanged.
	// If it only contains a filename, prepend the workdir.
	if !strings.HasPrefix(appConfig.DatabaseUri, "file:") {
		databasePath, _ := filepath.Split(appConfig.DatabaseUri)
		if databasePath == "" {
			appConfig.DatabaseUri = filepath.Join(appConfig.Workdir, appConfig.DatabaseUri)
		}
	}

	gormDB, err := db.NewDB(appConfig.DatabaseUri, appConfig.LogDBQueries)
	if err != nil {
		return nil, err
	}
	err = migrations.Migrate(gormDB)
	if err != nil {
		return nil, err
	}

	cfg, err := config.NewConfig(appConfig, gormDB)
	if err != nil {
		return nil, err
	}

	eventPublisher := events.NewEventPublisher()

	invoicesSvc := invoices.NewInvoicesService(gormDB, eventPublisher)

	factory := lnd.NewFactory()
	listenerSvc := listener.NewListenerService(appConfig, invoicesSvc, factory, eventPublisher)

	svc := &service{
		cfg:             cfg,
		ctx:             ctx,
		db:              gormDB,
		eventPublisher:  eventPublisher,
		invoicesService: invoicesSvc,
		listenerService: listenerSvc,
	}

	eventPublisher.RegisterSubscriber(svc.listenerService)
	eventPublisher.RegisterSubscriber(&settledInvoiceConsumer{
		invoicesService: invoicesSvc,
	})

	err = svc.listenerService.Start(ctx)
	if err != nil {
		return nil, err
	}

	svc.defaultNodeUri = cfg.GetDefaultNodeUri()
	if svc.defaultNodeUri != "" {
		nodeClient, err := factory.Create(ctx, svc.defaultNodeUri, cfg.GetNetwork())
		if err != nil {
			// invoices for stored payment methods are still watched; only
			// creating new invoices needs the default node
			logger.Logger.Error().Err(err).Msg("Failed to connect to the default node")
		} else {
			svc.nodeClient = nodeClient
		}
	}

	eventPublisher.Publish(&events.Event{
		Event: "pg_started",
		Properties: map[string]interface{}{
			"version": version.Tag,
		},
	})

	return svc, nil
}

func (svc *service) Shutdown() {
	svc.listenerService.Shutdown()
	if svc.nodeClient != nil {
		_ = svc.nodeClient.Shutdown()
	}
	err := db.Stop(svc.db)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to close database")
	}
}

func (svc *service) GetDB() *gorm.DB {
	return svc.db
}

func (svc *service) GetConfig() config.Config {
	return svc.cfg
}

func (svc *service) GetEventPublisher() events.EventPublisher {
	return svc.eventPublisher
}

func (svc *service) GetInvoicesService() invoices.InvoicesService {
	return svc.invoicesService
}

func (svc *service) GetListenerService() listener.ListenerService {
	return svc.listenerService
}

func (svc *service) GetNodeClient() lnclient.NodeClient {
	return svc.nodeClient
}

func (svc *service) GetDefaultNodeUri() string {
	return svc.defaultNodeUri
}
