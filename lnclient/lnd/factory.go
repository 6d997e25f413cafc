package lnd

import (
	"context"

	"github.com/paygridlabs/paygrid/lnclient"
)

type lndFactory struct{}

// NewFactory returns a factory that opens LND sessions from connection
// strings stored on payment methods.
func NewFactory() lnclient.Factory {
	return &lndFactory{}
}

func (f *lndFactory) Create(ctx context.Context, connectionString string, network string) (lnclient.NodeClient, error) {
	return NewLNDService(ctx, connectionString, network)
}
