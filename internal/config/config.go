package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`
	APIURL   string `yaml:"api_url"`

	CancelGrace time.Duration `yaml:"cancel_grace"`
	ListLimit   int           `yaml:"list_limit"`
	Journal     bool          `yaml:"journal"`
	StepDelay   time.Duration `yaml:"step_delay"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		HTTPAddr:    "127.0.0.1:7466",
		DataDir:     "data",
		APIURL:      "http://127.0.0.1:7466",
		CancelGrace: 5 * time.Second,
		ListLimit:   100,
		Journal:     true,
		StepDelay:   200 * time.Millisecond,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Load reads .env, then the YAML file named by AGENTD_CONFIG if any, then
// AGENTD_* environment variables. Later sources win.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := defaults()
	if path := os.Getenv("AGENTD_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "agentd.db")
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("AGENTD_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("AGENTD_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("AGENTD_DB_PATH", cfg.DBPath)
	cfg.APIURL = getEnv("AGENTD_API", cfg.APIURL)
	cfg.LogLevel = getEnv("AGENTD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("AGENTD_LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.CancelGrace, err = getDuration("AGENTD_CANCEL_GRACE", cfg.CancelGrace); err != nil {
		return err
	}
	if cfg.StepDelay, err = getDuration("AGENTD_STEP_DELAY", cfg.StepDelay); err != nil {
		return err
	}
	if v := os.Getenv("AGENTD_LIST_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTD_LIST_LIMIT: %w", err)
		}
		cfg.ListLimit = n
	}
	if v := os.Getenv("AGENTD_JOURNAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AGENTD_JOURNAL: %w", err)
		}
		cfg.Journal = b
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
