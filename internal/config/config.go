package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbouder/echoscribe/internal/llm"
)

// EnvPrefix is the namespace prefix for all EchoScribe environment variables.
const EnvPrefix = "ECHOSCRIBE_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	DBPath                string `yaml:"db_path"`
	ListenAddr            string `yaml:"listen_addr"`
	Model                 string `yaml:"model"`
	Greeting              string `yaml:"greeting"`
	ExportDir             string `yaml:"export_dir"`
	WebDir                string `yaml:"web_dir"`
	BatchWorkers          int    `yaml:"batch_workers"`
	RequestTimeout        string `yaml:"request_timeout"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secret — env var only, never serialized to YAML.
	APIKey string `yaml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:                "data/echoscribe.db",
		ListenAddr:            "127.0.0.1:8485",
		Model:                 "gemini/gemini-2.5-flash",
		ExportDir:             "data/exports",
		BatchWorkers:          3,
		RequestTimeout:        "2m",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedRequestTimeout returns RequestTimeout as a time.Duration,
// falling back to 2m if the value is invalid.
func (c *Config) ParsedRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvPrefix + "GREETING"); v != "" {
		cfg.Greeting = v
	}
	if v := os.Getenv(EnvPrefix + "EXPORT_DIR"); v != "" {
		cfg.ExportDir = v
	}
	if v := os.Getenv(EnvPrefix + "WEB_DIR"); v != "" {
		cfg.WebDir = v
	}
	if v := os.Getenv(EnvPrefix + "BATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.BatchWorkers = n
		}
	}
	if v := os.Getenv(EnvPrefix + "REQUEST_TIMEOUT"); v != "" {
		cfg.RequestTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.APIKey = os.Getenv(EnvPrefix + "API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.APIKey == "" {
		warnings = append(warnings, "Provider API key not configured — set "+EnvPrefix+"API_KEY or store one through the web UI.")
	}
	if _, _, err := llm.ParseModel(cfg.Model); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid model %q — using default gemini/gemini-2.5-flash.", cfg.Model))
		cfg.Model = "gemini/gemini-2.5-flash"
	}
	if _, err := time.ParseDuration(cfg.RequestTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid request_timeout %q — using default 2m.", cfg.RequestTimeout))
	}
	if cfg.BatchWorkers < 1 {
		warnings = append(warnings, fmt.Sprintf("Invalid batch_workers %d — using 1.", cfg.BatchWorkers))
		cfg.BatchWorkers = 1
	}

	return warnings
}
