// Package config loads the settings shared by the server and the CLI.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/repository"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/store/badger"
	"github.com/systemshift/contentrepo/internal/content/store/neo4j"
	"github.com/systemshift/contentrepo/internal/content/store/sqlite"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendNeo4j  = "neo4j"
)

type Config struct {
	Backend    Backend    `yaml:"backend"`
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
	Auth       Auth       `yaml:"auth"`
	Repository Repository `yaml:"repository"`
}

type Backend struct {
	Type string `yaml:"type" validate:"required,oneof=memory sqlite badger neo4j"`
	// Path is the sqlite database file or the badger directory.
	Path  string `yaml:"path" validate:"required_if=Type sqlite,required_if=Type badger"`
	Neo4j Neo4j  `yaml:"neo4j"`
}

type Neo4j struct {
	URI      string `yaml:"uri" validate:"omitempty,url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type Server struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idleTimeout" validate:"gte=0"`
}

type Log struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type Auth struct {
	// Anonymous admits guest logins with read-only access.
	Anonymous bool `yaml:"anonymous"`
	// Users maps user ids to argon2id hashes as produced by auth.HashPassword.
	Users map[string]string `yaml:"users,omitempty" validate:"dive,keys,required,endkeys,required"`
}

type Repository struct {
	DefaultWorkspace string   `yaml:"defaultWorkspace" validate:"required"`
	Workspaces       []string `yaml:"workspaces,omitempty" validate:"dive,required"`
	NodeTypeFiles    []string `yaml:"nodeTypeFiles,omitempty" validate:"dive,required"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Backend: Backend{
			Type:  BackendMemory,
			Neo4j: Neo4j{URI: "bolt://localhost:7687", User: "neo4j"},
		},
		Server: Server{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Log:        Log{Level: "info"},
		Auth:       Auth{Anonymous: true},
		Repository: Repository{DefaultWorkspace: repository.DefaultWorkspace},
	}
}

// DefaultPath is ~/.config/contentrepo/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "contentrepo", "config.yaml"), nil
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. A missing file is not an error; an empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating its directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) applyEnv() {
	c.Backend.Type = getEnv("CR_BACKEND", c.Backend.Type)
	c.Backend.Path = getEnv("CR_DATA_PATH", c.Backend.Path)
	c.Backend.Neo4j.URI = getEnv("NEO4J_URI", c.Backend.Neo4j.URI)
	c.Backend.Neo4j.User = getEnv("NEO4J_USER", c.Backend.Neo4j.User)
	c.Backend.Neo4j.Password = getEnv("NEO4J_PASSWORD", c.Backend.Neo4j.Password)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Log.Level = getEnv("CR_LOG_LEVEL", c.Log.Level)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and the password hashes.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backend.Type == BackendNeo4j && c.Backend.Neo4j.URI == "" {
		return errors.New("invalid config: backend.neo4j.uri is required for the neo4j backend")
	}
	for user, enc := range c.Auth.Users {
		if _, err := auth.ParsePasswordHash(enc); err != nil {
			return fmt.Errorf("invalid config: password hash of %q: %w", user, err)
		}
	}
	return nil
}

// OpenBackend opens the configured store backend.
func (c *Config) OpenBackend(ctx context.Context, log *zap.SugaredLogger) (store.Backend, error) {
	switch c.Backend.Type {
	case BackendMemory:
		return store.NewMemoryBackend(), nil
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(c.Backend.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return sqlite.New(ctx, c.Backend.Path)
	case BackendBadger:
		cfg := badger.DefaultConfig(c.Backend.Path)
		cfg.Logger = log
		return badger.Open(cfg)
	case BackendNeo4j:
		n := c.Backend.Neo4j
		return neo4j.New(ctx, neo4j.Config{URI: n.URI, Username: n.User, Password: n.Password, Database: n.Database})
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend.Type)
}

// Authenticator builds the authenticator from the auth section.
func (c *Config) Authenticator(log *zap.SugaredLogger) (*auth.Authenticator, error) {
	return auth.NewAuthenticator(c.Auth.Users, c.Auth.Anonymous, log)
}

// RepositoryOptions assembles repository.Options from the configuration.
func (c *Config) RepositoryOptions(ctx context.Context, log *zap.SugaredLogger) (repository.Options, error) {
	backend, err := c.OpenBackend(ctx, log.Named("backend"))
	if err != nil {
		return repository.Options{}, err
	}
	authn, err := c.Authenticator(log.Named("auth"))
	if err != nil {
		backend.Close()
		return repository.Options{}, err
	}
	return repository.Options{
		Backend:          backend,
		DefaultWorkspace: c.Repository.DefaultWorkspace,
		Workspaces:       c.Repository.Workspaces,
		NodeTypeFiles:    c.Repository.NodeTypeFiles,
		Authenticator:    authn,
		Log:              log,
	}, nil
}
