package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var schemaDocument []byte

const schemaURL = "cardmirror://config.schema.json"

var (
	compiledSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
)

// Load reads .env (if present), the board configuration file at path and
// environment overrides, then validates the result. An empty path loads
// from the environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newViper()
	path = strings.TrimSpace(path)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := ValidateDocument(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CARDMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("aggregate_board_id", "")
	v.SetDefault("inbox_list", DefaultInboxList)
	v.SetDefault("default_label_color", DefaultLabelColor)
	v.SetDefault("timezone", DefaultTimezone)
	v.SetDefault("sweep_interval", DefaultSweepInterval)
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("trello.base_url", "")
	v.SetDefault("trello.rate_limit", 100)
	v.SetDefault("trello.rate_window", "10s")
	v.SetDefault("webhook.timeout", DefaultWebhookTimeout)
	v.SetDefault("webhook.dedup_dsn", "memory://")
	v.SetDefault("webhook.dedup_ttl", DefaultDedupTTL)
	v.SetDefault("server.listen_addr", DefaultListenAddr)

	_ = v.BindEnv("trello.api_key", "TRELLO_API_KEY")
	_ = v.BindEnv("trello.token", "TRELLO_TOKEN")
	_ = v.BindEnv("webhook.secret", "TRELLO_WEBHOOK_SECRET")
	_ = v.BindEnv("webhook.callback_url", "CARDMIRROR_CALLBACK_URL")
	_ = v.BindEnv("webhook.dedup_dsn", "CARDMIRROR_DEDUP_DSN")
	_ = v.BindEnv("server.trigger_token", "CARDMIRROR_TRIGGER_TOKEN")
	_ = v.BindEnv("server.listen_addr", "CARDMIRROR_LISTEN_ADDR")
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// ValidateDocument checks a raw YAML or JSON configuration document
// against the embedded JSON Schema.
func ValidateDocument(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}
	encoded, err := sonic.ConfigStd.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
		if err != nil {
			compiledSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			compiledSchemaErr = err
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, compiledSchemaErr
}
