package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Log      LogConfig     `yaml:"log"`
	Auth     AuthConfig    `yaml:"auth"`
	Users    []User        `yaml:"users"`
	Storage  StorageConfig `yaml:"storage"`
	Minio    MinioConfig   `yaml:"minio"`
	Mineru   MineruConfig  `yaml:"mineru"`
	OCR      OCRConfig     `yaml:"ocr"`
	Rules    RulesConfig   `yaml:"rules"`
	Ledger   LedgerConfig  `yaml:"ledger"`
	LLM      LLMConfig     `yaml:"llm"`
	Jobs     JobsConfig    `yaml:"jobs"`
	DevTools bool          `yaml:"dev_tools"`
}

type ServerConfig struct {
	Port            int     `yaml:"port"`
	MaxUploadMB     int     `yaml:"max_upload_mb"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

// StorageConfig locates on-disk artifacts and the SQLite catalog
type StorageConfig struct {
	DataRoot    string `yaml:"data_root"`
	CatalogPath string `yaml:"catalog_path"`
}

type MinioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type MineruConfig struct {
	APIURL          string `yaml:"api_url"`
	APIToken        string `yaml:"api_token"`
	ModelVersion    string `yaml:"model_version"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	TimeoutSec      int    `yaml:"timeout_sec"`
}

// OCRConfig controls the extraction fallback for pages without text.
// Engine is "tesseract" or "mineru".
type OCRConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Engine   string `yaml:"engine"`
	DPI      int    `yaml:"dpi"`
	Language string `yaml:"language"`
}

type RulesConfig struct {
	RulepackPath       string         `yaml:"rulepack_path"`
	LexiconDir         string         `yaml:"lexicon_dir"`
	Language           string         `yaml:"language"`
	WeakLexiconEnabled bool           `yaml:"weak_lexicon_enabled"`
	DefaultWindow      int            `yaml:"default_window"`
	PerDetectorWindows map[string]int `yaml:"per_detector_windows"`
	PageAwareWindows   bool           `yaml:"page_aware_windows"`
	ExpectedDetectors  []string       `yaml:"expected_detectors"`
	Parallelism        int            `yaml:"parallelism"`
	Watch              bool           `yaml:"watch"`
}

type LedgerConfig struct {
	TokenCapPerDoc  int     `yaml:"token_cap_per_doc"`
	OnExceed        string  `yaml:"on_exceed"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

type LLMConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	RequestsPerSec  float64 `yaml:"requests_per_sec"`
	TimeoutSec      int     `yaml:"timeout_sec"`
}

type JobsConfig struct {
	Workers           int  `yaml:"workers"`
	QueueSize         int  `yaml:"queue_size"`
	MaxJobs           int  `yaml:"max_jobs"`
	Sync              bool `yaml:"sync"`
	ExtractTimeoutSec int  `yaml:"extract_timeout_sec"`
	DetectTimeoutSec  int  `yaml:"detect_timeout_sec"`
	ReviewTimeoutSec  int  `yaml:"review_timeout_sec"`
	SweepIntervalMin  int  `yaml:"sweep_interval_min"`
	RetentionDays     int  `yaml:"retention_days"`
}

// DefaultTokenCap is the per-document hard cap when the file leaves
// ledger.token_cap_per_doc out. An explicit 0 disables the cap.
const DefaultTokenCap = 1500

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := seeded()
	cfg.applyDefaults()
	return cfg
}

// seeded holds the defaults whose zero value is a meaningful setting, so
// they are applied before the file is decoded rather than after
func seeded() *Config {
	return &Config{Ledger: LedgerConfig{TokenCapPerDoc: DefaultTokenCap}}
}

// Load reads the YAML file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg := seeded()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 10
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = 20
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 40
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Storage.DataRoot == "" {
		c.Storage.DataRoot = ".data"
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "contracts"
	}
	if c.Mineru.ModelVersion == "" {
		c.Mineru.ModelVersion = "vlm"
	}
	if c.Mineru.PollIntervalSec == 0 {
		c.Mineru.PollIntervalSec = 3
	}
	if c.Mineru.TimeoutSec == 0 {
		c.Mineru.TimeoutSec = 300
	}
	if c.OCR.Engine == "" {
		c.OCR.Engine = "tesseract"
	}
	if c.OCR.DPI == 0 {
		c.OCR.DPI = 300
	}
	if c.OCR.Language == "" {
		c.OCR.Language = "eng"
	}
	if c.Rules.RulepackPath == "" {
		c.Rules.RulepackPath = "rulepacks/gdpr_art28_v1.yaml"
	}
	if c.Rules.LexiconDir == "" {
		c.Rules.LexiconDir = "lexicons"
	}
	if c.Rules.Language == "" {
		c.Rules.Language = "en"
	}
	if c.Rules.DefaultWindow == 0 {
		c.Rules.DefaultWindow = 2
	}
	if c.Rules.Parallelism == 0 {
		c.Rules.Parallelism = 4
	}
	if c.Ledger.OnExceed == "" {
		c.Ledger.OnExceed = "needs_review"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxOutputTokens == 0 {
		c.LLM.MaxOutputTokens = 256
	}
	if c.LLM.RequestsPerSec == 0 {
		c.LLM.RequestsPerSec = 2
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 30
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 64
	}
	if c.Jobs.MaxJobs == 0 {
		c.Jobs.MaxJobs = 1000
	}
	if c.Jobs.ExtractTimeoutSec == 0 {
		c.Jobs.ExtractTimeoutSec = 120
	}
	if c.Jobs.DetectTimeoutSec == 0 {
		c.Jobs.DetectTimeoutSec = 60
	}
	if c.Jobs.ReviewTimeoutSec == 0 {
		c.Jobs.ReviewTimeoutSec = 120
	}
	if c.Jobs.SweepIntervalMin == 0 {
		c.Jobs.SweepIntervalMin = 60
	}
}

// ApplyEnv overlays environment variables onto c. Unset variables leave
// the file value in place.
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}

	setBool("OCR_ENABLED", &c.OCR.Enabled)
	setInt("OCR_DPI", &c.OCR.DPI)
	setString("OCR_LANG", &c.OCR.Language)
	setBool("WEAK_LEXICON_ENABLED", &c.Rules.WeakLexiconEnabled)
	setInt("TOKEN_CAP_PER_DOC", &c.Ledger.TokenCapPerDoc)
	setBool("LLM_PROVIDER_ENABLED", &c.LLM.Enabled)
	setBool("JOB_SYNC", &c.Jobs.Sync)
	setBool("ENABLE_DEV_TOOLS", &c.DevTools)
	setString("DATA_ROOT", &c.Storage.DataRoot)
	setString("OPENAI_API_KEY", &c.LLM.APIKey)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setInt("PORT", &c.Server.Port)
	setString("LOG_LEVEL", &c.Log.Level)
}

// AnalysesRoot is the directory holding per-analysis folders
func (c *Config) AnalysesRoot() string {
	return c.Storage.DataRoot
}

// CatalogFile returns the SQLite catalog path, defaulting under the data root
func (c *Config) CatalogFile() string {
	if c.Storage.CatalogPath != "" {
		return c.Storage.CatalogPath
	}
	return filepath.Join(c.Storage.DataRoot, "catalog.db")
}

// SettingsDir returns where per-tenant settings documents live
func (c *Config) SettingsDir() string {
	return filepath.Join(c.Storage.DataRoot, "settings")
}

// MaxUploadBytes returns the upload size limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
