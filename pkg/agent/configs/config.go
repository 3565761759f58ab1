package configs

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

type Config struct {
	ControlPlaneURL string `envconfig:"CONTROL_PLANE_URL"`
	DeviceID        string `split_words:"true"`
	// Fingerprint overrides the MAC read from Interface.
	Fingerprint string
	Interface   string

	DataDir   string `split_words:"true" default:"/var/lib/rfid-agent"`
	StateFile string `split_words:"true" default:"/etc/rfid/state.yaml"`
	ReaderLog string `split_words:"true" default:"/var/log/rfid/reader.log"`
	CAFile    string `envconfig:"CA_FILE"`

	RequestTimeout    time.Duration `split_words:"true" default:"10s"`
	MaxRetries        int           `split_words:"true" default:"3"`
	RetryBackoff      time.Duration `split_words:"true" default:"1s"`
	ReconnectInterval time.Duration `split_words:"true" default:"60s"`
	RefreshMargin     time.Duration `split_words:"true" default:"5m"`
	BatchSize         int           `split_words:"true" default:"100"`
	BufferCapacity    int           `split_words:"true" default:"10000"`

	CacheSecret     string `split_words:"true"`
	CacheWorkFactor int    `split_words:"true" default:"15"`

	LogLevel    string `split_words:"true" default:"INFO"`
	MetricsAddr string `split_words:"true"`
}

func NewConfig(prefix string) (error, Config) {
	var cfg Config
	err := envconfig.Process(prefix, &cfg)
	if err != nil {
		return err, Config{}
	}
	return nil, cfg
}

// BindFlags registers command line flags that override the environment.
// The current values of cfg are used as flag defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ControlPlaneURL, "control-plane-url", cfg.ControlPlaneURL, "control plane base URL")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "device identity, read from the state file when empty")
	fs.StringVar(&cfg.Fingerprint, "fingerprint", cfg.Fingerprint, "device fingerprint (MAC address), detected when empty")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "network interface whose MAC is the fingerprint")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the offline buffer and configuration cache")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "provisioning state file")
	fs.StringVar(&cfg.ReaderLog, "reader-log", cfg.ReaderLog, "reader log to follow, - for standard input")
	fs.StringVar(&cfg.CAFile, "ca-file", cfg.CAFile, "CA bundle used to verify the control plane")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout of a single control plane request")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retries of a request on network failure")
	fs.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "pause between reconnect attempts while degraded")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "readings per upload while draining the buffer")
	fs.IntVar(&cfg.BufferCapacity, "buffer-capacity", cfg.BufferCapacity, "offline buffer capacity until the control plane sets one")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level until the control plane sets one")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address serving /metrics, disabled when empty")
}

// Validate checks the values the control plane would refuse or the agent
// cannot work with.
func (c Config) Validate() error {
	if c.BatchSize < 1 || c.BatchSize > reading.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got %d", reading.MaxBatchSize, c.BatchSize)
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
