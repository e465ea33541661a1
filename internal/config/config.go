package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/logging"
)

// Config is the application-wide configuration. Loaded once at startup
// and immutable afterwards; a change requires a restart.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Posts      PostsConfig      `yaml:"posts"`
	Curse      CurseConfig      `yaml:"curse"`
	Waits      WaitsConfig      `yaml:"adaptive_waits"`
	Session    SessionConfig    `yaml:"session"`
	Vision     VisionConfig     `yaml:"vision"`
	Workers    []WorkerProfile  `yaml:"workers"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    logging.Config   `yaml:"logging"`
}

// DeviceConfig identifies the ADB target
type DeviceConfig struct {
	Serial      string        `yaml:"serial"`
	ADBPath     string        `yaml:"adb_path"`
	Timeout     time.Duration `yaml:"timeout"`
	GateTimeout time.Duration `yaml:"gate_timeout"` // bounded wait for the exclusive device gate
	DumpDir     string        `yaml:"dump_dir"`     // gzipped failure screenshots
}

// PostsConfig describes the trading posts under management
type PostsConfig struct {
	Count        int           `yaml:"count"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Coordinates  []Coordinate  `yaml:"coordinates"` // tap position per post, index = post ID - 1
}

// Coordinate is a screen position
type Coordinate struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// CurseConfig carries the scheduling parameters for the swap loop
type CurseConfig struct {
	LeadTime          time.Duration `yaml:"lead_time"`           // swap begins deadline - lead
	ExecutionBuffer   time.Duration `yaml:"execution_buffer"`    // head start before the swap time
	ConflictThreshold time.Duration `yaml:"conflict_threshold"`  // deadlines closer than this conflict
	SettleOffset      time.Duration `yaml:"settle_offset"`       // swap-out runs completion + offset
	DeadlineTolerance time.Duration `yaml:"deadline_tolerance"`  // re-read deltas within this keep the old registration
	Workers           []string      `yaml:"workers"`             // curse worker names, resolved against the catalog
	MaxRetries        int           `yaml:"max_retries"`         // vision retries before error recovery
	SwipePages        int           `yaml:"swipe_pages"`         // worker list pages searched per selection
}

// WaitsConfig bounds the adaptive wait model
type WaitsConfig struct {
	Enabled      bool                     `yaml:"enabled"`
	Floor        time.Duration            `yaml:"floor"`
	Ceiling      time.Duration            `yaml:"ceiling"`
	RetryCeiling time.Duration            `yaml:"retry_ceiling"` // cap for temporary retry expansion
	MaxRetries   int                      `yaml:"max_retries"`
	StorePath    string                   `yaml:"store_path"`
	SaveInterval time.Duration            `yaml:"save_interval"` // debounce for persistence
	Defaults     map[string]time.Duration `yaml:"defaults"`      // per-kind overrides of built-in defaults
}

// SessionConfig controls expiry detection and recovery
type SessionConfig struct {
	CheckTemplate   string        `yaml:"check_template"` // present while logged in
	LoginTemplate   string        `yaml:"login_template"` // present on the login screen
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
}

// VisionConfig locates templates and the OCR binary
type VisionConfig struct {
	TemplateDir     string        `yaml:"template_dir"`
	UserTemplateDir string        `yaml:"user_template_dir"` // overrides, hot-reloaded
	MatchThreshold  float64       `yaml:"match_threshold"`
	OCRBinary       string        `yaml:"ocr_binary"`
	StabilityWindow time.Duration `yaml:"stability_window"`
	StabilityLimit  time.Duration `yaml:"stability_limit"`
}

// WorkerProfile is a static catalog entry for a worker variant
type WorkerProfile struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Template string `yaml:"template"`
}

// MonitoringConfig controls the status HTTP server
type MonitoringConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ADBPath:     "adb",
			Timeout:     10 * time.Second,
			GateTimeout: 30 * time.Second,
			DumpDir:     "dumps",
		},
		Posts: PostsConfig{
			Count:        3,
			TickInterval: time.Second,
		},
		Curse: CurseConfig{
			LeadTime:          40 * time.Second,
			ExecutionBuffer:   45 * time.Second,
			ConflictThreshold: 240 * time.Second,
			SettleOffset:      10 * time.Second,
			DeadlineTolerance: 5 * time.Second,
			Workers:           []string{"Proviso", "Quartz", "Tequila"},
			MaxRetries:        4,
			SwipePages:        15,
		},
		Waits: WaitsConfig{
			Enabled:      true,
			Floor:        100 * time.Millisecond,
			Ceiling:      10 * time.Second,
			RetryCeiling: 15 * time.Second,
			MaxRetries:   4,
			StorePath:    "data/waits.db",
			SaveInterval: 30 * time.Second,
		},
		Session: SessionConfig{
			CheckTemplate: "settings-icon",
			LoginTemplate: "login-start-button",
			MaxAttempts:   3,
			BackoffBase:   5 * time.Second,
			BackoffFactor: 2.0,
		},
		Vision: VisionConfig{
			TemplateDir:     "templates",
			UserTemplateDir: "",
			MatchThreshold:  0.8,
			OCRBinary:       "tesseract",
			StabilityWindow: 300 * time.Millisecond,
			StabilityLimit:  3 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:    true,
			ListenAddr: ":9184",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from path on top of defaults, applies
// environment overrides, and validates the result. A missing file is
// not an error; a malformed one is fatal.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.Configf("failed to read config file %s", path).Wrap(err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Configf("failed to parse config file %s", path).Wrap(err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar fields from ARKCURSER_* variables
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARKCURSER_DEVICE_SERIAL"); v != "" {
		cfg.Device.Serial = v
	}
	if v := os.Getenv("ARKCURSER_ADB_PATH"); v != "" {
		cfg.Device.ADBPath = v
	}
	if v := os.Getenv("ARKCURSER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARKCURSER_POST_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Posts.Count = n
		}
	}
	if v := os.Getenv("ARKCURSER_LISTEN_ADDR"); v != "" {
		cfg.Monitoring.ListenAddr = v
	}
}

// Validate checks invariants that would otherwise surface mid-run
func (c *Config) Validate() error {
	if c.Posts.Count < 1 {
		return apperrors.Configf("posts.count must be at least 1, got %d", c.Posts.Count)
	}
	if len(c.Posts.Coordinates) > 0 && len(c.Posts.Coordinates) < c.Posts.Count {
		return apperrors.Configf("posts.coordinates has %d entries for %d posts",
			len(c.Posts.Coordinates), c.Posts.Count)
	}
	if c.Curse.LeadTime <= 0 {
		return apperrors.Configf("curse.lead_time must be positive")
	}
	if c.Curse.ConflictThreshold <= 0 {
		return apperrors.Configf("curse.conflict_threshold must be positive")
	}
	if c.Waits.Floor <= 0 || c.Waits.Ceiling <= c.Waits.Floor {
		return apperrors.Configf("adaptive_waits floor/ceiling band is invalid: [%s, %s]",
			c.Waits.Floor, c.Waits.Ceiling)
	}
	if c.Waits.RetryCeiling < c.Waits.Ceiling {
		return apperrors.Configf("adaptive_waits.retry_ceiling must not be below the ceiling")
	}
	if c.Session.MaxAttempts < 1 {
		return apperrors.Configf("session.max_attempts must be at least 1")
	}
	if c.Session.BackoffFactor < 1 {
		return apperrors.Configf("session.backoff_factor must be at least 1")
	}
	if c.Vision.MatchThreshold <= 0 || c.Vision.MatchThreshold > 1 {
		return apperrors.Configf("vision.match_threshold must be in (0, 1]")
	}
	names := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" || w.Template == "" {
			return apperrors.Configf("worker profile %q is missing a name or template", w.Name)
		}
		if names[w.Name] {
			return apperrors.Configf("duplicate worker profile %q", w.Name)
		}
		names[w.Name] = true
	}
	if len(c.Workers) > 0 {
		for _, name := range c.Curse.Workers {
			if !names[name] {
				return apperrors.Configf("curse worker %q is not in the worker catalog", name)
			}
		}
	}
	return nil
}
