package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygridlabs/paygrid/config"
	"github.com/paygridlabs/paygrid/tests"
)

func TestConfigSetAndGet(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	value, err := svc.Cfg.Get("MissingKey")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, svc.Cfg.SetUpdate("SomeKey", "first"))
	value, err = svc.Cfg.Get("SomeKey")
	require.NoError(t, err)
	assert.Equal(t, "first", value)

	// SetIgnore keeps the existing value, SetUpdate replaces it
	require.NoError(t, svc.Cfg.SetIgnore("SomeKey", "second"))
	value, err = svc.Cfg.Get("SomeKey")
	require.NoError(t, err)
	assert.Equal(t, "first", value)

	require.NoError(t, svc.Cfg.SetUpdate("SomeKey", "third"))
	value, err = svc.Cfg.Get("SomeKey")
	require.NoError(t, err)
	assert.Equal(t, "third", value)
}

func TestConfigDefaultNodeUri(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	assert.Empty(t, svc.Cfg.GetDefaultNodeUri())

	require.NoError(t, svc.Cfg.SetUpdate(config.DefaultNodeUriKey, tests.MockNodeUri))
	assert.Equal(t, tests.MockNodeUri, svc.Cfg.GetDefaultNodeUri())
}

func TestConfigNetwork(t *testing.T) {
	svc, err := tests.CreateTestService(t)
	require.NoError(t, err)
	defer svc.Remove()

	assert.Equal(t, "mainnet", svc.Cfg.GetNetwork())
}
