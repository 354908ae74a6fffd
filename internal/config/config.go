package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultConfigPath = "~/.config/platesolver/config.yaml"
	envPrefix         = "PLATESOLVER_"
	envConfigPath     = "PLATESOLVER_CONFIG"
	defaultParallel   = 2
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds user-editable settings for the solver.
type Config struct {
	Nova     Nova     `koanf:"nova"`
	Catalog  Catalog  `koanf:"catalog"`
	Solve    Solve    `koanf:"solve"`
	Links    []string `koanf:"links"` // opened after a successful solve; {subid} is substituted
	Logging  Logging  `koanf:"logging"`
	Paths    Paths    `koanf:"paths"`
	Pipeline Pipeline `koanf:"pipeline"`
	Server   Server   `koanf:"server"`
}

// Nova configures the astrometry.net client.
type Nova struct {
	URL             string        `koanf:"url"`
	APIKey          string        `koanf:"api_key"`
	SolveTimeout    time.Duration `koanf:"solve_timeout"` // how long one submit or poll call waits before handing back a handle
	PollInterval    time.Duration `koanf:"poll_interval"`
	HTTPTimeout     time.Duration `koanf:"http_timeout"`
	PubliclyVisible string        `koanf:"publicly_visible"` // y, n
	ScaleUnits      string        `koanf:"scale_units"`      // degwidth, arcminwidth, arcsecperpix
	ScaleLower      float64       `koanf:"scale_lower"`
	ScaleUpper      float64       `koanf:"scale_upper"`
}

// Catalog configures the SIMBAD name resolver and its browser fallbacks.
type Catalog struct {
	TAPURL        string        `koanf:"tap_url"`
	SearchURL     string        `koanf:"search_url"`
	IdentifierURL string        `koanf:"identifier_url"` // {name} is substituted
	HTTPTimeout   time.Duration `koanf:"http_timeout"`
}

// Solve bounds the submit/poll loop.
type Solve struct {
	MaxTimeouts int `koanf:"max_timeouts"` // 0 means poll until a result arrives
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // text, json
	FileOutput bool   `koanf:"file_output"` // Enable file logging
	LogDir     string `koanf:"log_dir"`
}

// Paths configures on-disk locations.
type Paths struct {
	DatabasePath string `koanf:"database_path"`
	WCSDir       string `koanf:"wcs_dir"` // solved headers are written here when set
}

// Pipeline configures watch mode workers.
type Pipeline struct {
	ParallelJobs int           `koanf:"parallel_jobs"`
	SettleDelay  time.Duration `koanf:"settle_delay"`
}

// Server configures the local status server.
type Server struct {
	Addr string `koanf:"addr"`
}

// Path returns the config file location that Load reads.
func Path() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load builds a Config by layering defaults, the optional file, and env vars.
// Order of precedence (low -> high):
//  1. Default()
//  2. file (YAML; JSON is accepted too) at PLATESOLVER_CONFIG or the default path
//  3. env (prefix PLATESOLVER_, "__" separates sections)
func Load() (*Config, error) {
	base := Default()
	k := koanf.New(".")

	configPath := Path()
	expanded, err := ExpandUser(configPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(expanded); statErr == nil {
		if err := k.Load(file.Provider(expanded), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", expanded, err)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) || configPath != defaultConfigPath {
		// An explicitly named file must exist.
		return nil, fmt.Errorf("load config %s: %w", expanded, statErr)
	}

	// PLATESOLVER_NOVA__API_KEY -> nova.api_key
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Nova: Nova{
			URL:             "https://nova.astrometry.net",
			SolveTimeout:    1000 * time.Second,
			PollInterval:    5 * time.Second,
			HTTPTimeout:     2 * time.Minute,
			PubliclyVisible: "n",
		},
		Catalog: Catalog{
			TAPURL:        "https://simbad.cds.unistra.fr/simbad/sim-tap",
			SearchURL:     "https://simbad.cds.unistra.fr/simbad/sim-fbasic",
			IdentifierURL: "https://simbad.cds.unistra.fr/simbad/sim-id?Ident={name}",
			HTTPTimeout:   30 * time.Second,
		},
		Links: []string{
			"https://nova.astrometry.net/status/{subid}",
			"https://nova.astrometry.net/dashboard/submissions",
			"https://exoplanetarchive.ipac.caltech.edu",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "~/.config/platesolver/logs",
		},
		Paths: Paths{
			DatabasePath: "~/.config/platesolver/history.db",
		},
		Pipeline: Pipeline{
			ParallelJobs: defaultParallel,
			SettleDelay:  2 * time.Second,
		},
		Server: Server{
			Addr: "127.0.0.1:8787",
		},
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.Nova.URL == "":
		return fmt.Errorf("%w: nova.url must not be empty", ErrInvalidConfig)
	case c.Nova.SolveTimeout <= 0:
		return fmt.Errorf("%w: nova.solve_timeout must be positive", ErrInvalidConfig)
	case c.Nova.PollInterval <= 0:
		return fmt.Errorf("%w: nova.poll_interval must be positive", ErrInvalidConfig)
	case c.Catalog.TAPURL == "":
		return fmt.Errorf("%w: catalog.tap_url must not be empty", ErrInvalidConfig)
	case c.Solve.MaxTimeouts < 0:
		return fmt.Errorf("%w: solve.max_timeouts must not be negative", ErrInvalidConfig)
	case c.Pipeline.ParallelJobs < 1:
		return fmt.Errorf("%w: pipeline.parallel_jobs must be at least 1", ErrInvalidConfig)
	}
	switch c.Nova.PubliclyVisible {
	case "y", "n":
	default:
		return fmt.Errorf("%w: nova.publicly_visible must be y or n", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Paths.DatabasePath, &c.Paths.WCSDir, &c.Logging.LogDir} {
		expanded, err := ExpandUser(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandUser replaces a leading ~ with the user's home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
