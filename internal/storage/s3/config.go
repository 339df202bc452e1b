package s3

import "time"

// Config holds S3 connection and transfer settings.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// MaxRetries is the SDK-level retry count per request. Whole-operation
	// retries happen above this layer.
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	PartSize    int64 `yaml:"part_size"`
	Concurrency int   `yaml:"concurrency"`

	// StorageClass applies to uploads, e.g. STANDARD or INTELLIGENT_TIERING.
	StorageClass string `yaml:"storage_class"`

	EnableCargoShipOptimization bool  `yaml:"enable_cargoship_optimization"`
	MultipartThreshold          int64 `yaml:"multipart_threshold"`
}

// NewDefaultConfig returns settings suited to multi-gigabyte read files.
func NewDefaultConfig() *Config {
	return &Config{
		MaxRetries:                  3,
		PartSize:                    16 * 1024 * 1024,
		Concurrency:                 8,
		StorageClass:                TierStandard,
		EnableCargoShipOptimization: false,
		MultipartThreshold:          32 * 1024 * 1024,
	}
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PartSize <= 0 {
		c.PartSize = d.PartSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.StorageClass == "" {
		c.StorageClass = d.StorageClass
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = d.MultipartThreshold
	}
}
