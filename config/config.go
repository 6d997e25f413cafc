package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"

	"github.com/adrg/xdg"

	"github.com/paygridlabs/paygrid/constants"
	"github.com/paygridlabs/paygrid/db"
	"github.com/paygridlabs/paygrid/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type config struct {
	Env *AppConfig
	db  *gorm.DB
}

func NewConfig(env *AppConfig, gormDB *gorm.DB) (*config, error) {
	cfg := &config{
		Env: env,
		db:  gormDB,
	}
	err := cfg.init()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *config) init() error {
	// LND specific to support env variables
	if cfg.Env.LNDAddress != "" {
		uri, err := cfg.lndConnectionUri()
		if err != nil {
			return err
		}
		err = cfg.SetUpdate(DefaultNodeUriKey, uri)
		if err != nil {
			return err
		}
	}

	return nil
}

func (cfg *config) lndConnectionUri() (string, error) {
	values := url.Values{}
	if cfg.Env.LNDCertFile != "" {
		certBytes, err := os.ReadFile(cfg.Env.LNDCertFile)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to read LND cert file")
			return "", err
		}
		values.Set("cert", hex.EncodeToString(certBytes))
	}
	if cfg.Env.LNDMacaroonFile != "" {
		macBytes, err := os.ReadFile(cfg.Env.LNDMacaroonFile)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to read LND macaroon file")
			return "", err
		}
		values.Set("macaroon", hex.EncodeToString(macBytes))
	}

	return fmt.Sprintf("lnd://%s?%s", cfg.Env.LNDAddress, values.Encode()), nil
}

func (cfg *config) Get(key string) (string, error) {
	var userConfig db.UserConfig
	err := cfg.db.Where(&db.UserConfig{Key: key}).Limit(1).Find(&userConfig).Error
	if err != nil {
		return "", fmt.Errorf("failed to get configuration value: %w", cfg.db.Error)
	}

	return userConfig.Value, nil
}

func (cfg *config) set(key string, value string, clauses clause.OnConflict) error {
	userConfig := db.UserConfig{Key: key, Value: value}
	err := cfg.db.Clauses(clauses).Create(&userConfig).Error
	if err != nil {
		return fmt.Errorf("failed to save configuration value: %w", err)
	}

	return nil
}

func (cfg *config) SetIgnore(key string, value string) error {
	clauses := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}
	return cfg.set(key, value, clauses)
}

func (cfg *config) SetUpdate(key string, value string) error {
	clauses := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
	return cfg.set(key, value, clauses)
}

func (cfg *config) GetNetwork() string {
	return cfg.Env.Network
}

func (cfg *config) GetEnv() *AppConfig {
	return cfg.Env
}

func (cfg *config) GetDefaultNodeUri() string {
	uri, err := cfg.Get(DefaultNodeUriKey)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to read default node uri")
		return ""
	}
	return uri
}

func (cfg *config) GetDefaultWorkDir() string {
	return path.Join(xdg.DataHome, constants.APP_IDENTIFIER)
}
