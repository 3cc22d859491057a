package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv       string `mapstructure:"APP_ENV"`
	AppName      string `mapstructure:"APP_NAME"`
	AppVersion   string `mapstructure:"APP_VERSION"`
	AppNamespace string `mapstructure:"APP_NAMESPACE"`
	TLS          struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"` // http | grpc
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Database struct {
		Type           string        `mapstructure:"TYPE"`
		Host           string        `mapstructure:"HOST"`
		Port           string        `mapstructure:"PORT"`
		DBNAME         string        `mapstructure:"DBNAME"`
		User           string        `mapstructure:"USER"`
		Password       string        `mapstructure:"PASSWORD"`
		SSLMode        string        `mapstructure:"SSLMODE"`
		Timezone       string        `mapstructure:"TIMEZONE"`
		Metrics        bool          `mapstructure:"METRICS"`
		SlowQuery      time.Duration `mapstructure:"SLOW_QUERY"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Worker struct {
		Concurrency   int           `mapstructure:"CONCURRENCY"`
		SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	} `mapstructure:"WORKER"`
	Billing Billing `mapstructure:"BILLING"`
	Payment Payment `mapstructure:"PAYMENT"`
	SMS     SMS     `mapstructure:"SMS"`
}

// SMS is the gateway confirmation codes are delivered through.
type SMS struct {
	URL    string `mapstructure:"URL" validate:"required,url"`
	Token  string `mapstructure:"TOKEN" validate:"required"`
	Sender string `mapstructure:"SENDER"`
}

// Billing holds the commercial constants applied to every subscription.
type Billing struct {
	CountryCode           string        `mapstructure:"COUNTRY_CODE"`
	Currency              string        `mapstructure:"CURRENCY"`
	TaxRateBps            int64         `mapstructure:"TAX_RATE_BPS"`
	InvoiceDueDays        int           `mapstructure:"INVOICE_DUE_DAYS"`
	OtpTTL                time.Duration `mapstructure:"OTP_TTL"`
	ExpiryAlertWindow     time.Duration `mapstructure:"EXPIRY_ALERT_WINDOW"`
	PendingReconcileAfter time.Duration `mapstructure:"PENDING_RECONCILE_AFTER"`
}

type Payment struct {
	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"`
	Card        Card          `mapstructure:"CARD"`
	Airtel      Airtel        `mapstructure:"AIRTEL"`
	Orange      Orange        `mapstructure:"ORANGE"`
}

type Card struct {
	SecretKey     string `mapstructure:"SECRET_KEY" validate:"required"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	SuccessURL    string `mapstructure:"SUCCESS_URL"`
	CancelURL     string `mapstructure:"CANCEL_URL"`
}

type Airtel struct {
	BaseURL      string `mapstructure:"BASE_URL" validate:"required,url"`
	ClientID     string `mapstructure:"CLIENT_ID" validate:"required"`
	ClientSecret string `mapstructure:"CLIENT_SECRET" validate:"required"`
	Country      string `mapstructure:"COUNTRY" validate:"required,len=2"`
}

type Orange struct {
	BaseURL      string `mapstructure:"BASE_URL" validate:"required,url"`
	ClientID     string `mapstructure:"CLIENT_ID" validate:"required"`
	ClientSecret string `mapstructure:"CLIENT_SECRET" validate:"required"`
	MerchantKey  string `mapstructure:"MERCHANT_KEY" validate:"required"`
	Country      string `mapstructure:"COUNTRY" validate:"required"`
	ReturnURL    string `mapstructure:"RETURN_URL" validate:"required"`
	CancelURL    string `mapstructure:"CANCEL_URL" validate:"required"`
	NotifURL     string `mapstructure:"NOTIF_URL" validate:"required"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "billing")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("SNOWFLAKE.NODE_ID", 1)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("BILLING.COUNTRY_CODE", "243")
	v.SetDefault("BILLING.CURRENCY", "USD")
	v.SetDefault("BILLING.TAX_RATE_BPS", 1800)
	v.SetDefault("BILLING.INVOICE_DUE_DAYS", 7)
	v.SetDefault("BILLING.OTP_TTL", 10*time.Minute)
	v.SetDefault("BILLING.EXPIRY_ALERT_WINDOW", 7*24*time.Hour)
	v.SetDefault("BILLING.PENDING_RECONCILE_AFTER", 15*time.Minute)
	v.SetDefault("PAYMENT.HTTP_TIMEOUT", 30*time.Second)
	v.SetDefault("SMS.SENDER", "SmallBiznis")
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("WORKER.SWEEP_INTERVAL", 5*time.Minute)
}

func LoadConfig(p Params) *Config {
	setDefaults(config)

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return &cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	setDefaults(config)
	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := config.Unmarshal(&newcfg); err != nil {
				zap.L().Error("unable to unmarshal remote config", zap.Error(err))
				continue
			}
			if err := applySecrets(context.Background(), p.Vault, &newcfg); err != nil {
				zap.L().Error("unable to refresh secrets", zap.Error(err))
				continue
			}
			configHolder.Store(&newcfg)
		}
	}()

	return &cfg
}

// Current returns the latest remote config snapshot, or nil when the remote
// provider is not in use.
func Current() *Config {
	if cfg, ok := configHolder.Load().(*Config); ok {
		return cfg
	}
	return nil
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	cfg.Payment.Card.SecretKey = get("stripe_secret_key", cfg.Payment.Card.SecretKey)
	cfg.Payment.Card.WebhookSecret = get("stripe_webhook_secret", cfg.Payment.Card.WebhookSecret)
	cfg.Payment.Airtel.ClientSecret = get("airtel_client_secret", cfg.Payment.Airtel.ClientSecret)
	cfg.Payment.Orange.ClientSecret = get("orange_client_secret", cfg.Payment.Orange.ClientSecret)
	cfg.Payment.Orange.MerchantKey = get("orange_merchant_key", cfg.Payment.Orange.MerchantKey)

	return nil
}
