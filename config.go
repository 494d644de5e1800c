package kopgen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the kopgen engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to <DBName>.db in the storage directory.
	DBPath string `json:"db_path"`

	// DBName is the database name used when DBPath is empty.
	DBName string `json:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// set: "local" (default) uses the working directory, "home" uses
	// ~/.kopgen/.
	StorageDir string `json:"storage_dir"`

	// AWSRegion is used by the Bedrock chat provider and the knowledge base.
	AWSRegion string `json:"aws_region"`

	// Chat is the model used for summaries, relationships and KOP drafts.
	Chat LLMConfig `json:"chat"`

	KnowledgeBase KnowledgeBaseConfig `json:"knowledge_base"`
	Jobs          JobsConfig          `json:"jobs"`
	Retry         RetryConfig         `json:"retry"`

	// QAOnly serves question answering only and opens no database.
	QAOnly bool `json:"qa_only"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider"` // bedrock, openai, ollama, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// KnowledgeBaseConfig identifies the Bedrock knowledge base used by Ask.
type KnowledgeBaseConfig struct {
	ID       string `json:"id"`
	ModelARN string `json:"model_arn"`
}

// JobsConfig sizes the processing worker pool. Workers == 0 runs jobs
// inline in the request that submitted them.
type JobsConfig struct {
	Workers   int      `json:"workers"`
	QueueSize int      `json:"queue_size"`
	Timeout   Duration `json:"timeout"`
}

// RetryConfig controls retries of individual LLM calls.
type RetryConfig struct {
	MaxRetries uint64   `json:"max_retries"`
	Base       Duration `json:"base"`
	Max        Duration `json:"max"`
}

// Duration is a time.Duration that reads and writes strings like "10m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are nanoseconds.
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"10m\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

const (
	defaultRegion   = "us-east-2"
	defaultModel    = "anthropic.claude-3-haiku-20240307-v1:0"
	defaultKBID     = "MAKZOATKHX"
	defaultModelARN = "arn:aws:bedrock:us-east-2::foundation-model/anthropic.claude-3-haiku-20240307-v1:0"
)

// DefaultConfig returns a Config that talks to Bedrock in us-east-2 and
// stores regulations.db in the working directory.
func DefaultConfig() Config {
	return Config{
		DBName:     "regulations",
		StorageDir: "local",
		AWSRegion:  defaultRegion,
		Chat: LLMConfig{
			Provider: "bedrock",
			Model:    defaultModel,
		},
		KnowledgeBase: KnowledgeBaseConfig{
			ID:       defaultKBID,
			ModelARN: defaultModelARN,
		},
		Jobs: JobsConfig{
			Workers:   2,
			QueueSize: 64,
			Timeout:   Duration(10 * time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Base:       Duration(2 * time.Second),
			Max:        Duration(30 * time.Second),
		},
	}
}

// LoadConfig returns DefaultConfig overlaid with the JSON file at path (if
// non-empty) and then the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KOPGEN_* and AWS environment variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"KOPGEN_DB_PATH":       &c.DBPath,
		"AWS_REGION":           &c.AWSRegion,
		"BEDROCK_KB_ID":        &c.KnowledgeBase.ID,
		"MODEL_ARN":            &c.KnowledgeBase.ModelARN,
		"KOPGEN_CHAT_PROVIDER": &c.Chat.Provider,
		"KOPGEN_CHAT_MODEL":    &c.Chat.Model,
		"KOPGEN_CHAT_BASE_URL": &c.Chat.BaseURL,
		"KOPGEN_CHAT_API_KEY":  &c.Chat.APIKey,
	}
	for key, field := range str {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("KOPGEN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: KOPGEN_WORKERS=%q", ErrInvalidConfig, v)
		}
		c.Jobs.Workers = n
	}
	if v := os.Getenv("KOPGEN_JOB_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: KOPGEN_JOB_TIMEOUT=%q", ErrInvalidConfig, v)
		}
		c.Jobs.Timeout = Duration(d)
	}
	if v := os.Getenv("KOPGEN_QA_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: KOPGEN_QA_ONLY=%q", ErrInvalidConfig, v)
		}
		c.QAOnly = b
	}

	// Fall back to the provider's conventional key variable.
	if c.Chat.APIKey == "" && c.Chat.Provider == "openai" {
		c.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

// Validate reports configuration errors that would make New fail later.
func (c *Config) Validate() error {
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("%w: jobs.workers must be >= 0, got %d", ErrInvalidConfig, c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 0 {
		return fmt.Errorf("%w: jobs.queue_size must be >= 0, got %d", ErrInvalidConfig, c.Jobs.QueueSize)
	}
	if c.Jobs.Timeout < 0 {
		return fmt.Errorf("%w: jobs.timeout must not be negative", ErrInvalidConfig)
	}
	if !c.QAOnly && c.Chat.Provider == "" {
		return fmt.Errorf("%w: chat.provider is required", ErrInvalidConfig)
	}
	if c.KnowledgeBase.ID == "" || c.KnowledgeBase.ModelARN == "" {
		return fmt.Errorf("%w: knowledge_base.id and knowledge_base.model_arn are required", ErrInvalidConfig)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "regulations"
	}

	switch c.StorageDir {
	case "home":
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".kopgen", name+".db")
	default: // "local" or empty
		return name + ".db"
	}
}
