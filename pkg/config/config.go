// Package config loads process configuration from the environment, after
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ServerPrefix = "LICENSE_SERVER"
	KioskPrefix  = "LICENSE_CLIENT"
)

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Addr              string        `envconfig:"ADDR" default:":8801"`
	AllowInsecureHTTP bool          `envconfig:"ALLOW_INSECURE_HTTP" default:"false"`
	TLSCert           string        `envconfig:"TLS_CERT"`
	TLSKey            string        `envconfig:"TLS_KEY"`
	ClientCA          string        `envconfig:"CLIENT_CA"`
	TrustProxyHeaders bool          `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
	JWTSecret         string        `envconfig:"JWT_SECRET" required:"true"`
	SessionTTL        time.Duration `envconfig:"SESSION_TTL" default:"720h"`

	Storage    string `envconfig:"STORAGE" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"data/kiosk-licensing.db"`
	StateFile  string `envconfig:"STATE_FILE" default:"data/kiosk-licensing-state.json"`

	KeyProvider string `envconfig:"KEY_PROVIDER" default:"env"`
	CipherKey   string `envconfig:"CIPHER_KEY"`
	CipherNonce string `envconfig:"CIPHER_NONCE"`
	KeyFile     string `envconfig:"KEY_FILE"`

	SuperadminEmail    string `envconfig:"SUPERADMIN_EMAIL" default:"superadmin@kiosk.local"`
	SuperadminPassword string `envconfig:"SUPERADMIN_PASSWORD"`
	BootstrapDemo      bool   `envconfig:"BOOTSTRAP_DEMO" default:"false"`

	DefaultModels       []string      `envconfig:"DEFAULT_MODELS" default:"predefined"`
	DefaultDurationDays int           `envconfig:"DEFAULT_DURATION_DAYS" default:"30"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"15m"`
	RateLimit           int           `envconfig:"RATE_LIMIT" default:"30"`
	RateWindow          time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	MetricsEnabled      bool          `envconfig:"METRICS" default:"true"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

func (c ServerConfig) Validate() error {
	if len(strings.TrimSpace(c.JWTSecret)) < 16 {
		return fmt.Errorf("%s_JWT_SECRET must be at least 16 characters", ServerPrefix)
	}
	if !c.AllowInsecureHTTP && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("%s_TLS_CERT and %s_TLS_KEY are required unless %s_ALLOW_INSECURE_HTTP=true", ServerPrefix, ServerPrefix, ServerPrefix)
	}
	if c.DefaultDurationDays <= 0 {
		return fmt.Errorf("%s_DEFAULT_DURATION_DAYS must be positive", ServerPrefix)
	}
	return nil
}

// KioskConfig configures cmd/kiosk.
type KioskConfig struct {
	ServerURL          string        `envconfig:"SERVER" default:"https://localhost:8801"`
	AllowInsecureHTTP  bool          `envconfig:"ALLOW_INSECURE_HTTP" default:"false"`
	InsecureSkipVerify bool          `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`
	CACert             string        `envconfig:"CA_CERT"`
	ConfigDir          string        `envconfig:"CONFIG_DIR" default:".kiosk-licensing"`
	SessionFile        string        `envconfig:"SESSION_FILE" default:".kiosk-session.dat"`
	HTTPTimeout        time.Duration `envconfig:"HTTP_TIMEOUT" default:"5s"`
	RevalidateInterval time.Duration `envconfig:"REVALIDATE_INTERVAL" default:"1m"`
	ExpiryCheck        time.Duration `envconfig:"EXPIRY_CHECK" default:"10s"`

	BridgeAddr    string `envconfig:"BRIDGE_ADDR" default:":8802"`
	BridgeEnabled bool   `envconfig:"BRIDGE_ENABLED" default:"true"`

	Email    string `envconfig:"EMAIL"`
	Password string `envconfig:"PASSWORD"`

	AppName    string `envconfig:"APP_NAME" default:"KioskApp"`
	AppVersion string `envconfig:"APP_VERSION" default:"0.0.1"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadDotEnv loads the given files (".env" when none) without overriding
// variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process(ServerPrefix, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadKiosk() (KioskConfig, error) {
	var cfg KioskConfig
	if err := envconfig.Process(KioskPrefix, &cfg); err != nil {
		return KioskConfig{}, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from a format ("text" or "json") and
// a level name.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
