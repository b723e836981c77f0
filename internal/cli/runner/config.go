package runner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/hunting"
)

// Duration wraps time.Duration so YAML values like "90s" or "15m" decode
// directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExportConfig is the typed export block of the config file. The client
// secret is read from the environment variable named by client_secret_env,
// never from the YAML itself.
type ExportConfig struct {
	Day             string   `yaml:"day"`
	Table           string   `yaml:"table"`
	TimestampField  string   `yaml:"timestamp_field"`
	RecordIDField   string   `yaml:"record_id_field"`
	SliceWidth      Duration `yaml:"slice_width"`
	PageSize        int      `yaml:"page_size"`
	TenantID        string   `yaml:"tenant_id"`
	ClientID        string   `yaml:"client_id"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	Endpoint        string   `yaml:"endpoint"`
	Authority       string   `yaml:"authority"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffCap      Duration `yaml:"backoff_cap"`
	Pacing          Duration `yaml:"pacing"`
	Workers         int      `yaml:"workers"`
	RateLimit       float64  `yaml:"rate_limit"`
	CheckpointDir   string   `yaml:"checkpoint_dir"`
}

// Config is the full export configuration file.
type Config struct {
	Export    ExportConfig           `yaml:"export"`
	Consumers []types.ConsumerConfig `yaml:"consumers"`
}

// LoadConfig reads, defaults, and validates an export config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	e := &c.Export
	if e.Table == "" {
		e.Table = "DeviceProcessEvents"
	}
	if e.TimestampField == "" {
		e.TimestampField = "Timestamp"
	}
	if e.RecordIDField == "" {
		e.RecordIDField = "ReportId"
	}
	if e.SliceWidth == 0 {
		e.SliceWidth = Duration(60 * time.Minute)
	}
	if e.PageSize == 0 {
		e.PageSize = 100000
	}
	if e.ClientSecretEnv == "" {
		e.ClientSecretEnv = "HUNTING_EXPORT_CLIENT_SECRET"
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 8
	}
	if e.BackoffBase == 0 {
		e.BackoffBase = Duration(2 * time.Second)
	}
	if e.BackoffCap == 0 {
		e.BackoffCap = Duration(60 * time.Second)
	}
	if e.Pacing == 0 {
		e.Pacing = Duration(500 * time.Millisecond)
	}
	if e.Workers == 0 {
		e.Workers = 1
	}
}

// Validate checks everything that can be checked without touching the
// network. Violations wrap hunting.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	e := &c.Export

	if e.Day == "" {
		return fmt.Errorf("%w: 'day' is required", hunting.ErrInvalidConfiguration)
	}
	if _, err := hunting.ParseDay(e.Day); err != nil {
		return err
	}
	if e.SliceWidth <= 0 {
		return fmt.Errorf("%w: slice_width must be positive, got %s", hunting.ErrInvalidConfiguration, e.SliceWidth.Std())
	}
	if e.PageSize <= 0 {
		return fmt.Errorf("%w: page_size must be positive, got %d", hunting.ErrInvalidConfiguration, e.PageSize)
	}
	if e.TenantID == "" {
		return fmt.Errorf("%w: 'tenant_id' is required", hunting.ErrInvalidConfiguration)
	}
	if e.ClientID == "" {
		return fmt.Errorf("%w: 'client_id' is required", hunting.ErrInvalidConfiguration)
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1, got %d", hunting.ErrInvalidConfiguration, e.MaxAttempts)
	}
	if e.BackoffBase <= 0 || e.BackoffCap < e.BackoffBase {
		return fmt.Errorf("%w: backoff bounds invalid (base %s, cap %s)",
			hunting.ErrInvalidConfiguration, e.BackoffBase.Std(), e.BackoffCap.Std())
	}
	if e.Pacing < 0 {
		return fmt.Errorf("%w: pacing cannot be negative", hunting.ErrInvalidConfiguration)
	}
	if e.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", hunting.ErrInvalidConfiguration, e.Workers)
	}
	if e.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit cannot be negative", hunting.ErrInvalidConfiguration)
	}

	if len(c.Consumers) == 0 {
		return fmt.Errorf("%w: at least one consumer must be configured", hunting.ErrInvalidConfiguration)
	}
	for i, cons := range c.Consumers {
		if cons.Type == "" {
			return fmt.Errorf("%w: consumer %d has no type", hunting.ErrInvalidConfiguration, i)
		}
	}

	return nil
}
