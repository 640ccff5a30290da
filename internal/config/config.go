// Package config loads and holds all de-identification engine configuration.
//
// Settings are layered: defaults -> redactor-config.json -> environment
// variables (env vars win). A secondary threshold-overrides.yaml may supply
// per-document-type/per-filter-type threshold overrides; it is independent
// of the JSON calibration file format. Config is treated as an immutable
// snapshot once loaded: hot-reload replaces the whole pointer atomically via
// Store, never mutates a field a caller may already be holding.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	// Feature toggles.
	EnableDatalog           bool `json:"enableDatalog"`
	EnableDFAScan           bool `json:"enableDfaScan"`
	EnableContextModifier   bool `json:"enableContextModifier"`
	EnableOptimizedWeights  bool `json:"enableOptimizedWeights"`
	GenerateSyntheticPositives bool `json:"generateSyntheticPositives"`

	LogLevel string `json:"logLevel"`

	// Paths.
	ConfigDir       string `json:"configDir"`
	CalibrationDir  string `json:"calibrationDir"`
	CachePrewarmFile string `json:"cachePrewarmFile"`
	ThresholdOverridesFile string `json:"thresholdOverridesFile"`

	// Cache sizing.
	CacheMaxExact      int     `json:"cacheMaxExact"`
	CacheMaxStructure  int     `json:"cacheMaxStructure"`
	CacheTTLMs         int64   `json:"cacheTtlMs"`
	CacheMaxBytes      int64   `json:"cacheMaxBytes"`
	CacheMinSimilarity float64 `json:"cacheMinSimilarity"`
	CacheExactFile     string  `json:"cacheExactFile"` // bbolt path; empty = cache disabled

	// Calibration.
	CalibrationMethod    string `json:"calibrationMethod"` // platt|isotonic|beta|temperature
	CalibrationMinPoints int    `json:"calibrationMinPoints"`

	// Adaptive threshold targets.
	AdaptiveTargetSensitivity float64 `json:"adaptiveTargetSensitivity"`
	AdaptiveTargetSpecificity float64 `json:"adaptiveTargetSpecificity"`

	// AdminToken gates the admin/inspection HTTP API, mirroring the
	// teacher's ManagementToken bearer-auth scheme.
	AdminToken   string `json:"adminToken"`
	AdminAddress string `json:"adminAddress"`

	// ThresholdOverrides maps "documentType/filterType" -> override
	// threshold in [0,1], loaded from ThresholdOverridesFile if present.
	ThresholdOverrides map[string]float64 `json:"-"`
}

// Snapshot is an atomically-swappable pointer to the active Config, used to
// implement hot-reload without mutating fields a live Redact call already
// captured (spec "configuration snapshotting").
type Snapshot struct {
	ptr atomic.Pointer[Config]
}

// NewSnapshot returns a new Snapshot with cfg stored as its initial value.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(cfg)
	return s
}

// Load returns the currently active Config. Safe for concurrent use.
func (s *Snapshot) Load() *Config { return s.ptr.Load() }

// Store atomically replaces the active Config. A Redact call that has
// already loaded a snapshot keeps using it; only calls starting after Store
// observe the new one.
func (s *Snapshot) Store(cfg *Config) { s.ptr.Store(cfg) }

// Load reads config with defaults overridden by redactor-config.json, then
// environment variables, then an optional threshold-overrides.yaml.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "redactor-config.json")
	loadEnv(cfg)
	loadThresholdOverrides(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		EnableDatalog:          true,
		EnableDFAScan:          false,
		EnableContextModifier:  true,
		EnableOptimizedWeights: false,
		LogLevel:               "info",

		ConfigDir:              "config",
		CalibrationDir:         "calibration",
		CachePrewarmFile:       "",
		ThresholdOverridesFile: "threshold-overrides.yaml",

		CacheMaxExact:      10000,
		CacheMaxStructure:  2000,
		CacheTTLMs:         24 * 60 * 60 * 1000,
		CacheMaxBytes:      256 * 1024 * 1024,
		CacheMinSimilarity: 0.85,
		CacheExactFile:     "redactor-cache.db",

		CalibrationMethod:    "platt",
		CalibrationMinPoints: 30,

		AdaptiveTargetSensitivity: 0.95,
		AdaptiveTargetSpecificity: 0.90,

		AdminAddress: "127.0.0.1:8090",

		ThresholdOverrides: map[string]float64{},
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a controlled config file location, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("ENABLE_DATALOG"); v != "" {
		cfg.EnableDatalog = v != "off"
	}
	if v := os.Getenv("ENABLE_DFA_SCAN"); v != "" {
		cfg.EnableDFAScan = v == "on"
	}
	if v := os.Getenv("ENABLE_CONTEXT_MODIFIER"); v != "" {
		cfg.EnableContextModifier = v != "off"
	}
	if v := os.Getenv("ENABLE_OPTIMIZED_WEIGHTS"); v != "" {
		cfg.EnableOptimizedWeights = v == "on"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONFIG_DIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("CALIBRATION_DIR"); v != "" {
		cfg.CalibrationDir = v
	}
	if v := os.Getenv("CACHE_PREWARM_FILE"); v != "" {
		cfg.CachePrewarmFile = v
	}
	if v := os.Getenv("CACHE_MAX_EXACT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxExact = n
		}
	}
	if v := os.Getenv("CACHE_MAX_STRUCTURE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxStructure = n
		}
	}
	if v := os.Getenv("CACHE_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.CacheTTLMs = n
		}
	}
	if v := os.Getenv("CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.CacheMaxBytes = n
		}
	}
	if v := os.Getenv("CACHE_MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CacheMinSimilarity = f
		}
	}
	if v := os.Getenv("CALIBRATION_METHOD"); v != "" {
		cfg.CalibrationMethod = v
	}
	if v := os.Getenv("CALIBRATION_MIN_POINTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CalibrationMinPoints = n
		}
	}
	if v := os.Getenv("ADAPTIVE_TARGET_SENSITIVITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AdaptiveTargetSensitivity = f
		}
	}
	if v := os.Getenv("ADAPTIVE_TARGET_SPECIFICITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AdaptiveTargetSpecificity = f
		}
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("ADMIN_ADDRESS"); v != "" {
		cfg.AdminAddress = v
	}
	if v := os.Getenv("CACHE_EXACT_FILE"); v != "" {
		cfg.CacheExactFile = v
	}
	if v := os.Getenv("THRESHOLD_OVERRIDES_FILE"); v != "" {
		cfg.ThresholdOverridesFile = v
	}
}

// thresholdOverrideFile is the on-disk shape of ThresholdOverridesFile.
type thresholdOverrideFile struct {
	Overrides map[string]float64 `yaml:"overrides"`
}

func loadThresholdOverrides(cfg *Config) {
	if cfg.ThresholdOverridesFile == "" {
		return
	}
	data, err := os.ReadFile(cfg.ThresholdOverridesFile) //nolint:gosec // controlled config path
	if err != nil {
		return // file is optional
	}
	var parsed thresholdOverrideFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", cfg.ThresholdOverridesFile, err)
		return
	}
	if cfg.ThresholdOverrides == nil {
		cfg.ThresholdOverrides = make(map[string]float64, len(parsed.Overrides))
	}
	for k, v := range parsed.Overrides {
		cfg.ThresholdOverrides[k] = v
	}
	log.Printf("[CONFIG] Loaded %s", cfg.ThresholdOverridesFile)
}

// Override looks up a threshold override for "documentType/filterType",
// falling back to "*/filterType", then reporting absent.
func (c *Config) Override(documentType, filterType string) (float64, bool) {
	if v, ok := c.ThresholdOverrides[documentType+"/"+filterType]; ok {
		return v, true
	}
	if v, ok := c.ThresholdOverrides["*/"+filterType]; ok {
		return v, true
	}
	return 0, false
}
