package config

import "time"

const (
	LNBackendTypeLND = "LND"
)

const (
	DefaultNodeUriKey = "DefaultNodeUri"
)

type AppConfig struct {
	Workdir         string `envconfig:"WORK_DIR"`
	Port            string `envconfig:"PORT" default:"1984"`
	DatabaseUri     string `envconfig:"DATABASE_URI" default:"paygrid.db"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"4"`
	LogToFile       bool   `envconfig:"LOG_TO_FILE" default:"true"`
	LogDBQueries    bool   `envconfig:"LOG_DB_QUERIES" default:"false"`
	Network         string `envconfig:"NETWORK" default:"mainnet"`
	BaseUrl         string `envconfig:"BASE_URL"`
	LNBackendType   string `envconfig:"LN_BACKEND_TYPE" default:"LND"`
	LNDAddress      string `envconfig:"LND_ADDRESS"`
	LNDCertFile     string `envconfig:"LND_CERT_FILE"`
	LNDMacaroonFile string `envconfig:"LND_MACAROON_FILE"`

	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"1m"`
	NodeCallTimeout time.Duration `envconfig:"NODE_CALL_TIMEOUT" default:"5s"`
	WatchCacheTTL   time.Duration `envconfig:"WATCH_CACHE_TTL" default:"5m"`
}

type Config interface {
	Get(key string) (string, error)
	SetIgnore(key string, value string) error
	SetUpdate(key string, value string) error
	GetNetwork() string
	GetEnv() *AppConfig
	GetDefaultNodeUri() string
	GetDefaultWorkDir() string
}
