package service

import (
	"gorm.io/gorm"

	"github.com/paygridlabs/paygrid/config"
	"github.com/paygridlabs/paygrid/events"
	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/listener"
	"github.com/paygridlabs/paygrid/lnclient"
)

type Service interface {
	Shutdown()

	GetEventPublisher() events.EventPublisher
	GetInvoicesService() invoices.InvoicesService
	GetListenerService() listener.ListenerService
	GetNodeClient() lnclient.NodeClient
	GetDefaultNodeUri() string
	GetDB() *gorm.DB
	GetConfig() config.Config
}
