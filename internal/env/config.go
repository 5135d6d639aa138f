package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// DatabasePath is where the account and contact directory lives.
	DatabasePath string `env:"MSN_DB_PATH,default=messenger.db"`

	// SeedAccounts creates a couple of well-known accounts on first
	// start, for local testing against real clients.
	SeedAccounts bool `env:"MSN_SEED_ACCOUNTS"`

	// IdleTimeout disconnects clients that send nothing, not even PNG,
	// for this long.
	IdleTimeout time.Duration `env:"MSN_IDLE_TIMEOUT,default=180s"`

	// PingInterval is advertised to clients in QNG replies.
	PingInterval time.Duration `env:"MSN_PING_INTERVAL,default=50s"`

	// ClientVersion and DownloadURL fill the CVR reply, telling clients
	// which build is recommended and where to fetch it.
	ClientVersion string `env:"MSN_CLIENT_VERSION,default=8.5.1302"`
	DownloadURL   string `env:"MSN_DOWNLOAD_URL,default=http://messenger.msn.com"`

	// LogLevel sets the root logger threshold: debug, info, warn or error.
	LogLevel string `env:"MSN_LOG_LEVEL,default=info"`

	DebugHTTP bool `env:"MSN_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
