package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CAPSULE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "timecapsule.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultPublicURL         = "http://localhost:8080"
	defaultStorageBackend    = StorageBackendFilesystem
	defaultFilesystemRoot    = "data/uploads"
	defaultFilesystemURLPath = "/files"
	defaultS3Region          = "us-east-1"
	defaultSMTPPort          = 587
	defaultSMTPFrom          = "Time Capsule <no-reply@localhost>"
	defaultSMTPTimeout       = 15 * time.Second
	defaultSweepInterval     = time.Minute
	defaultSweepBatchSize    = 500
	defaultShutdownTimeout   = 10 * time.Second
)

// Supported database drivers and storage backends.
const (
	DatabaseDriverSQLite     = "sqlite"
	DatabaseDriverPostgres   = "postgres"
	StorageBackendS3         = "s3"
	StorageBackendFilesystem = "filesystem"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	LogLevel        string
	PublicURL       string
	ShutdownTimeout time.Duration

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	Database DatabaseConfig
	Storage  StorageConfig
	SMTP     SMTPConfig
	Sweep    SweepConfig
}

// DatabaseConfig selects the GORM dialect.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// StorageConfig selects and configures the attachment blob store.
type StorageConfig struct {
	Backend           string
	FilesystemRoot    string
	// FilesystemURLPath is the route the HTTP server serves FilesystemRoot at.
	FilesystemURLPath string
	S3                S3Config
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicBaseURL   string
}

// SMTPConfig configures the outbound mail relay. An empty Host selects the log transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SweepConfig controls the unlock sweep.
type SweepConfig struct {
	Token     string
	Interval  time.Duration
	BatchSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("app.public_url", defaultPublicURL)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.filesystem.root", defaultFilesystemRoot)
	configViper.SetDefault("storage.filesystem.url_path", defaultFilesystemURLPath)
	configViper.SetDefault("storage.s3.bucket", "")
	configViper.SetDefault("storage.s3.region", defaultS3Region)
	configViper.SetDefault("storage.s3.endpoint", "")
	configViper.SetDefault("storage.s3.access_key_id", "")
	configViper.SetDefault("storage.s3.secret_access_key", "")
	configViper.SetDefault("storage.s3.use_path_style", false)
	configViper.SetDefault("storage.s3.public_base_url", "")
	configViper.SetDefault("smtp.host", "")
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.username", "")
	configViper.SetDefault("smtp.password", "")
	configViper.SetDefault("smtp.from", defaultSMTPFrom)
	configViper.SetDefault("smtp.timeout", defaultSMTPTimeout)
	configViper.SetDefault("sweep.token", "")
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("sweep.batch_size", defaultSweepBatchSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		LogLevel:        configViper.GetString("log.level"),
		PublicURL:       strings.TrimRight(strings.TrimSpace(configViper.GetString("app.public_url")), "/"),
		ShutdownTimeout: configViper.GetDuration("http.shutdown_timeout"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Storage: StorageConfig{
			Backend:           strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			FilesystemRoot:    configViper.GetString("storage.filesystem.root"),
			FilesystemURLPath: configViper.GetString("storage.filesystem.url_path"),
			S3: S3Config{
				Bucket:          configViper.GetString("storage.s3.bucket"),
				Region:          configViper.GetString("storage.s3.region"),
				Endpoint:        configViper.GetString("storage.s3.endpoint"),
				AccessKeyID:     configViper.GetString("storage.s3.access_key_id"),
				SecretAccessKey: configViper.GetString("storage.s3.secret_access_key"),
				UsePathStyle:    configViper.GetBool("storage.s3.use_path_style"),
				PublicBaseURL:   configViper.GetString("storage.s3.public_base_url"),
			},
		},
		SMTP: SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
			Timeout:  configViper.GetDuration("smtp.timeout"),
		},
		Sweep: SweepConfig{
			Token:     configViper.GetString("sweep.token"),
			Interval:  configViper.GetDuration("sweep.interval"),
			BatchSize: configViper.GetInt("sweep.batch_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// FilesystemPublicURL is the absolute URL prefix of locally stored attachments.
func (c AppConfig) FilesystemPublicURL() string {
	return c.PublicURL + "/" + strings.Trim(c.Storage.FilesystemURLPath, "/")
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if parsed, err := url.Parse(c.PublicURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("app.public_url must be an absolute URL")
	}

	switch c.Database.Driver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	switch c.Storage.Backend {
	case StorageBackendFilesystem:
		if strings.TrimSpace(c.Storage.FilesystemRoot) == "" {
			return fmt.Errorf("storage.filesystem.root is required")
		}
		if strings.Trim(c.Storage.FilesystemURLPath, "/ ") == "" {
			return fmt.Errorf("storage.filesystem.url_path is required")
		}
	case StorageBackendS3:
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	if c.SMTP.Timeout <= 0 {
		return fmt.Errorf("smtp.timeout must be positive")
	}
	if c.Sweep.Interval < 0 {
		return fmt.Errorf("sweep.interval must not be negative")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be positive")
	}
	return nil
}
