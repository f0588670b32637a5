// Package config loads and validates the ParcelSat pipeline configuration
// from YAML. Validation happens once at load time; downstream components
// can assume a valid configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/parcelsat/parcelsat/pkg/telemetry"
)

// Config is the root pipeline configuration.
type Config struct {
	// Project is the human-readable project name used in output paths.
	Project string `yaml:"project" validate:"required"`

	// Storage configures the artifact store.
	Storage StorageConfig `yaml:"storage"`

	// Store configures the run-state database.
	Store StoreConfig `yaml:"store"`

	// Provider configures the imagery provider adapter.
	Provider ProviderConfig `yaml:"provider" validate:"required"`

	// Imagery constrains scene searches.
	Imagery ImageryConfig `yaml:"imagery"`

	// AOI configures area-of-interest preparation.
	AOI AOIConfig `yaml:"aoi"`

	// Pipeline configures concurrency, retries, and polling.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Telemetry configures logging and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig configures the artifact store.
type StorageConfig struct {
	// Root is the base directory of the artifact store.
	Root string `yaml:"root" validate:"required"`
}

// StoreConfig configures the run-state database.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// ProviderConfig configures an imagery provider adapter.
type ProviderConfig struct {
	// Name selects the registered adapter (e.g. "stac", "earthcache").
	Name string `yaml:"name" validate:"required"`

	// BaseURL overrides the adapter's default API endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKey authenticates against the provider, when required.
	APIKey string `yaml:"api_key"`

	// Collections restricts searches to these provider collections.
	Collections []string `yaml:"collections"`

	// ExtraParams carries adapter-specific settings.
	ExtraParams map[string]string `yaml:"extra_params"`
}

// ImageryConfig constrains scene searches.
type ImageryConfig struct {
	// MaxCloudCoverPct is the maximum acceptable cloud cover, [0, 100].
	MaxCloudCoverPct float64 `yaml:"max_cloud_cover_pct" validate:"gte=0,lte=100"`

	// MaxOffNadirDeg is the maximum off-nadir angle in degrees, [0, 90].
	// Zero means no constraint.
	MaxOffNadirDeg float64 `yaml:"max_off_nadir_deg" validate:"gte=0,lte=90"`

	// MinResolutionM and MaxResolutionM bound the ground resolution in
	// metres per pixel. Zero means no constraint.
	MinResolutionM float64 `yaml:"min_resolution_m" validate:"gte=0"`
	MaxResolutionM float64 `yaml:"max_resolution_m" validate:"gte=0"`

	// LookbackDays bounds the acquisition window relative to the trigger.
	LookbackDays int `yaml:"lookback_days" validate:"gte=0"`
}

// AOIConfig configures area-of-interest preparation.
type AOIConfig struct {
	// BufferMeters expands the feature bbox by this margin on every side.
	BufferMeters float64 `yaml:"buffer_meters" validate:"gte=0"`

	// MaxAreaHectares triggers a warning when a feature exceeds it.
	// Zero disables the check.
	MaxAreaHectares float64 `yaml:"max_area_hectares" validate:"gte=0"`
}

// PipelineConfig configures concurrency, retries, and polling.
type PipelineConfig struct {
	// AcquisitionConcurrency bounds concurrent search/order work.
	AcquisitionConcurrency int `yaml:"acquisition_concurrency" validate:"gte=1"`

	// FulfillmentConcurrency bounds concurrent poll/download work.
	FulfillmentConcurrency int `yaml:"fulfillment_concurrency" validate:"gte=1"`

	// MaxAttempts is the total attempt count for transient failures.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// RetryBase is the delay before the first retry.
	RetryBase time.Duration `yaml:"retry_base" validate:"gte=0"`

	// PollInterval is the wait between order status checks.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// PollTimeout bounds each order's polling loop.
	PollTimeout time.Duration `yaml:"poll_timeout" validate:"gt=0"`

	// RunTimeout bounds a whole processing run. Zero means unbounded.
	RunTimeout time.Duration `yaml:"run_timeout" validate:"gte=0"`

	// OffloadThresholdBytes is the serialized size above which intermediate
	// payloads are stashed in the artifact store instead of kept inline.
	OffloadThresholdBytes int `yaml:"offload_threshold_bytes" validate:"gte=0"`
}

// pipelineConfigYAML mirrors PipelineConfig with durations as strings so
// values like "30s" and "2h" decode.
type pipelineConfigYAML struct {
	AcquisitionConcurrency *int    `yaml:"acquisition_concurrency"`
	FulfillmentConcurrency *int    `yaml:"fulfillment_concurrency"`
	MaxAttempts            *int    `yaml:"max_attempts"`
	RetryBase              *string `yaml:"retry_base"`
	PollInterval           *string `yaml:"poll_interval"`
	PollTimeout            *string `yaml:"poll_timeout"`
	RunTimeout             *string `yaml:"run_timeout"`
	OffloadThresholdBytes  *int    `yaml:"offload_threshold_bytes"`
}

// UnmarshalYAML decodes durations from strings while leaving absent fields
// at their defaults.
func (c *PipelineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw pipelineConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.AcquisitionConcurrency != nil {
		c.AcquisitionConcurrency = *raw.AcquisitionConcurrency
	}
	if raw.FulfillmentConcurrency != nil {
		c.FulfillmentConcurrency = *raw.FulfillmentConcurrency
	}
	if raw.MaxAttempts != nil {
		c.MaxAttempts = *raw.MaxAttempts
	}
	if raw.OffloadThresholdBytes != nil {
		c.OffloadThresholdBytes = *raw.OffloadThresholdBytes
	}

	for _, d := range []struct {
		src *string
		dst *time.Duration
	}{
		{raw.RetryBase, &c.RetryBase},
		{raw.PollInterval, &c.PollInterval},
		{raw.PollTimeout, &c.PollTimeout},
		{raw.RunTimeout, &c.RunTimeout},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *d.src, err)
		}
		*d.dst = parsed
	}

	return nil
}

// Default returns the configuration defaults applied before YAML decoding.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Root: "data/artifacts"},
		Store:   StoreConfig{Path: "data/parcelsat.db"},
		Imagery: ImageryConfig{
			MaxCloudCoverPct: 20,
			LookbackDays:     90,
		},
		AOI: AOIConfig{
			BufferMeters:    0,
			MaxAreaHectares: 10000,
		},
		Pipeline: PipelineConfig{
			AcquisitionConcurrency: 10,
			FulfillmentConcurrency: 10,
			MaxAttempts:            3,
			RetryBase:              5 * time.Second,
			PollInterval:           30 * time.Second,
			PollTimeout:            30 * time.Minute,
			RunTimeout:             2 * time.Hour,
			OffloadThresholdBytes:  48 * 1024,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads, decodes, and validates the configuration at path. Fields not
// present in the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Imagery.MaxResolutionM > 0 && c.Imagery.MaxResolutionM < c.Imagery.MinResolutionM {
		return fmt.Errorf("invalid config: max_resolution_m %.2f below min_resolution_m %.2f",
			c.Imagery.MaxResolutionM, c.Imagery.MinResolutionM)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
