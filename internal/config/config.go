package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const (
	BackendMUL      = "mul"
	BackendSnapshot = "snapshot"
)

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Admin    AdminConfig   `yaml:"admin"`
	Storage  StorageConfig `yaml:"storage"`
	Data     DataConfig    `yaml:"data"`
	Log      LogConfig     `yaml:"log"`
	Tiles    []TileSpec    `yaml:"tiles,omitempty"`
	Accounts []Account     `yaml:"accounts"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReceiveChunk    int           `yaml:"receive_chunk"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaintenanceTick time.Duration `yaml:"maintenance_tick"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	// AnonymousAccess applies to sessions that have not logged in.
	AnonymousAccess AccessLevel   `yaml:"anonymous_access"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type AdminConfig struct {
	// Addr of the loopback admin HTTP listener; empty disables it.
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`

	// Legacy world files (backend mul). Width and Height are in blocks.
	Map     string `yaml:"map"`
	StaIdx  string `yaml:"staidx"`
	Statics string `yaml:"statics"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`

	// Snapshot file (backend snapshot).
	Snapshot string `yaml:"snapshot"`
}

type DataConfig struct {
	IndexDB  string `yaml:"index_db"`
	AuditDir string `yaml:"audit_dir"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// TileSpec overrides the static tile metadata used for draw ordering.
type TileSpec struct {
	ID         uint16 `yaml:"id"`
	Background bool   `yaml:"background"`
	Height     uint8  `yaml:"height"`
}

type Account struct {
	Name         string      `yaml:"name"`
	PasswordHash string      `yaml:"password_hash"`
	Access       AccessLevel `yaml:"access"`
}

// CheckPassword compares password against the stored bcrypt hash.
func (a *Account) CheckPassword(password string) bool {
	if a == nil || a.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// HashPassword produces a hash suitable for Account.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Load reads a YAML config. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse decodes, schema-checks, normalizes and validates a YAML document.
func Parse(b []byte) (Config, error) {
	cfg := defaults()
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	return cfg, nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("server.schema.json", schemaJSON)
	})
	return compiledSchema, schemaErr
}

// validateSchema checks the document shape before decoding. YAML is round
// tripped through JSON so the validator sees plain JSON values.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return s.Validate(v)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            2597,
			ReceiveChunk:    4096,
			IdleTimeout:     2 * time.Minute,
			FlushInterval:   time.Minute,
			MaintenanceTick: 100 * time.Millisecond,
			WriteTimeout:    10 * time.Second,
			AnonymousAccess: AccessNone,
		},
		Admin: AdminConfig{Addr: "127.0.0.1:2598"},
		Storage: StorageConfig{
			Backend: BackendMUL,
			Map:     "map0.mul",
			StaIdx:  "staidx0.mul",
			Statics: "statics0.mul",
			Width:   768,
			Height:  512,
		},
		Data: DataConfig{
			IndexDB:  "data/index/centred.sqlite",
			AuditDir: "data/audit",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  64,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Console:    true,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMUL
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.ReceiveChunk <= 0 {
		c.Server.ReceiveChunk = 4096
	}
	if c.Server.MaintenanceTick <= 0 {
		c.Server.MaintenanceTick = 100 * time.Millisecond
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	for i := range c.Accounts {
		c.Accounts[i].Name = strings.TrimSpace(c.Accounts[i].Name)
	}
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.IdleTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout must be > 0")
	}
	if c.Server.FlushInterval <= 0 {
		return fmt.Errorf("server.flush_interval must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMUL:
		if c.Storage.Map == "" || c.Storage.StaIdx == "" || c.Storage.Statics == "" {
			return fmt.Errorf("storage: mul backend needs map, staidx and statics paths")
		}
		if c.Storage.Width <= 0 || c.Storage.Height <= 0 {
			return fmt.Errorf("storage: invalid map size %dx%d blocks", c.Storage.Width, c.Storage.Height)
		}
	case BackendSnapshot:
		if c.Storage.Snapshot == "" {
			return fmt.Errorf("storage: snapshot backend needs a snapshot path")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts: empty name")
		}
		key := strings.ToLower(a.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("accounts: duplicate name %q", a.Name)
		}
		seen[key] = struct{}{}
		if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
			return fmt.Errorf("accounts: %s: password_hash: %w", a.Name, err)
		}
	}
	return nil
}

// Account looks a principal up by name, case-insensitively.
func (c *Config) Account(name string) *Account {
	for i := range c.Accounts {
		if strings.EqualFold(c.Accounts[i].Name, name) {
			return &c.Accounts[i]
		}
	}
	return nil
}
