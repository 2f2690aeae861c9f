// Package config loads the settings snapshot consumed by each build.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/kk-code-lab/lineidx/internal/filter"
	"github.com/kk-code-lab/lineidx/internal/highlight"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LINEIDX_WINDOW_BUDGET.
	EnvPrefix = "LINEIDX"

	DefaultWindowBudget  = 1 << 20
	DefaultChunkSize     = 4096
	DefaultCacheLines    = 512
	DefaultFilterTimeout = 100 * time.Millisecond
	DefaultLogLevel      = "INFO"
	DefaultLogFormat     = "pretty"

	defaultConfigPath = "~/.config/lineidx/config.toml"
)

// Settings is the read-only snapshot a build works from.
type Settings struct {
	IgnoreBlankLines bool
	// MaxLineLength truncates decoded lines to this many runes; 0 disables it.
	MaxLineLength   int
	WindowBudget    int64
	ChunkSize       int
	Encoding        string
	RowDelimiter    string
	ColumnDelimiter string
	CacheLines      int
	FilterTimeout   time.Duration
	Filters         []filter.Rule
	Highlights      []highlight.Rule
	LogLevel        string
	LogFormat       string
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		WindowBudget:  DefaultWindowBudget,
		ChunkSize:     DefaultChunkSize,
		CacheLines:    DefaultCacheLines,
		FilterTimeout: DefaultFilterTimeout,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
	}
}

// Validate rejects settings a scan cannot run with.
func (s Settings) Validate() error {
	switch {
	case s.WindowBudget <= 0:
		return fmt.Errorf("window budget must be positive, got %d", s.WindowBudget)
	case s.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	case s.ChunkSize%2 != 0:
		return fmt.Errorf("chunk size must be even, got %d", s.ChunkSize)
	case s.CacheLines <= 0:
		return fmt.Errorf("cache size must be positive, got %d", s.CacheLines)
	case s.MaxLineLength < 0:
		return fmt.Errorf("max line length must not be negative, got %d", s.MaxLineLength)
	}
	return nil
}

// fileSettings mirrors the TOML layout. Absent keys leave defaults untouched.
type fileSettings struct {
	IgnoreBlankLines *bool            `toml:"ignore_blank_lines"`
	MaxLineLength    *int             `toml:"max_line_length"`
	WindowBudget     *int64           `toml:"window_budget"`
	ChunkSize        *int             `toml:"chunk_size"`
	Encoding         *string          `toml:"encoding"`
	RowDelimiter     *string          `toml:"row_delimiter"`
	ColumnDelimiter  *string          `toml:"column_delimiter"`
	CacheLines       *int             `toml:"cache_lines"`
	FilterTimeout    *string          `toml:"filter_timeout"`
	Filters          []filter.Rule    `toml:"filter"`
	Highlights       []highlight.Rule `toml:"highlight"`
	Log              struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

// envSettings holds environment overrides; unset variables stay nil.
type envSettings struct {
	IgnoreBlankLines *bool          `envconfig:"IGNORE_BLANK_LINES"`
	MaxLineLength    *int           `envconfig:"MAX_LINE_LENGTH"`
	WindowBudget     *int64         `envconfig:"WINDOW_BUDGET"`
	ChunkSize        *int           `envconfig:"CHUNK_SIZE"`
	Encoding         *string        `envconfig:"ENCODING"`
	RowDelimiter     *string        `envconfig:"ROW_DELIMITER"`
	ColumnDelimiter  *string        `envconfig:"COLUMN_DELIMITER"`
	CacheLines       *int           `envconfig:"CACHE_LINES"`
	FilterTimeout    *time.Duration `envconfig:"FILTER_TIMEOUT"`
	LogLevel         *string        `envconfig:"LOG_LEVEL"`
	LogFormat        *string        `envconfig:"LOG_FORMAT"`
}

// Load builds settings from defaults, the TOML file at path (the default
// location when empty; a missing file is not an error), the optional dotenv
// file and finally LINEIDX_* environment variables.
func Load(path, envFile string) (Settings, error) {
	s := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFile(&s, resolved); err != nil {
		return Settings{}, err
	}
	if err := LoadDotEnv(envFile); err != nil {
		return Settings{}, fmt.Errorf("load env file: %w", err)
	}
	if err := applyEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// LoadDotEnv loads variables from a dotenv file without overriding the ones
// already set. An empty path means ".env"; a missing file is skipped.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func applyFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var raw fileSettings
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setIf(&s.IgnoreBlankLines, raw.IgnoreBlankLines)
	setIf(&s.MaxLineLength, raw.MaxLineLength)
	setIf(&s.WindowBudget, raw.WindowBudget)
	setIf(&s.ChunkSize, raw.ChunkSize)
	setIf(&s.Encoding, raw.Encoding)
	setIf(&s.RowDelimiter, raw.RowDelimiter)
	setIf(&s.ColumnDelimiter, raw.ColumnDelimiter)
	setIf(&s.CacheLines, raw.CacheLines)
	setIf(&s.LogLevel, raw.Log.Level)
	setIf(&s.LogFormat, raw.Log.Format)
	if raw.FilterTimeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*raw.FilterTimeout))
		if err != nil {
			return fmt.Errorf("parse filter_timeout: %w", err)
		}
		s.FilterTimeout = d
	}
	if raw.Filters != nil {
		s.Filters = raw.Filters
	}
	if raw.Highlights != nil {
		s.Highlights = raw.Highlights
	}
	return nil
}

func applyEnv(s *Settings) error {
	var env envSettings
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	setIf(&s.IgnoreBlankLines, env.IgnoreBlankLines)
	setIf(&s.MaxLineLength, env.MaxLineLength)
	setIf(&s.WindowBudget, env.WindowBudget)
	setIf(&s.ChunkSize, env.ChunkSize)
	setIf(&s.Encoding, env.Encoding)
	setIf(&s.CacheLines, env.CacheLines)
	setIf(&s.FilterTimeout, env.FilterTimeout)
	setIf(&s.LogLevel, env.LogLevel)
	setIf(&s.LogFormat, env.LogFormat)
	if env.RowDelimiter != nil {
		s.RowDelimiter = unescape(*env.RowDelimiter)
	}
	if env.ColumnDelimiter != nil {
		s.ColumnDelimiter = unescape(*env.ColumnDelimiter)
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

var escapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")

// unescape turns the literal sequences \r, \n and \t into control characters.
func unescape(s string) string {
	return escapes.Replace(s)
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
