// Package config loads the trybesync configuration from a TOML file, an
// optional .env file and TRYBESYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore/surrealstore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRYBESYNC_"

const (
	DriverMemory    = "memory"
	DriverSurrealDB = "surrealdb"
	DriverMongoDB   = "mongodb"
	DriverSQLite    = "sqlite"
)

const redacted = "********"

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Engine   Engine   `toml:"engine"`
	Store    Store    `toml:"store"`
	Objects  Objects  `toml:"objects"`
	Cache    Cache    `toml:"cache"`
	Identity Identity `toml:"identity"`
	Bridge   Bridge   `toml:"bridge"`
	Log      Log      `toml:"log"`
}

type Engine struct {
	AuthWait        Duration          `toml:"auth_wait"`
	SnapshotTTL     Duration          `toml:"snapshot_ttl"`
	PersistDebounce Duration          `toml:"persist_debounce"`
	NetworkBackoff  Duration          `toml:"network_backoff"`
	TrustedHosts    []string          `toml:"trusted_hosts"`
	CategoryImages  map[string]string `toml:"category_images"`
	DefaultImage    string            `toml:"default_image"`
	MessageLimit    int               `toml:"message_limit"`
	ScheduleLayout  string            `toml:"schedule_layout"`
	SystemName      string            `toml:"system_name"`
}

type Store struct {
	// Driver is one of memory, surrealdb or mongodb.
	Driver     string    `toml:"driver"`
	TxAttempts int       `toml:"tx_attempts"`
	SurrealDB  SurrealDB `toml:"surrealdb"`
	MongoDB    MongoDB   `toml:"mongodb"`
}

type SurrealDB struct {
	URL       string `toml:"url"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

type MongoDB struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type Objects struct {
	// BaseURL of the download URL service. Empty disables media resolution.
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

type Cache struct {
	// Driver is memory or sqlite.
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type Identity struct {
	// User signs in a fixed user. Token takes precedence when set.
	User   string `toml:"user"`
	Token  string `toml:"token"`
	Secret string `toml:"secret"`
	Issuer string `toml:"issuer"`
}

type Bridge struct {
	Addr string `toml:"addr"`
}

type Log struct {
	Level string `toml:"level"`
	// Path sends logs to a file instead of stderr.
	Path string `toml:"path"`
}

func Default() Config {
	e := trybesync.DefaultConfig()
	return Config{
		Engine: Engine{
			AuthWait:        Duration(e.AuthWait),
			SnapshotTTL:     Duration(e.SnapshotTTL),
			PersistDebounce: Duration(e.PersistDebounce),
			NetworkBackoff:  Duration(e.NetworkBackoff),
			TrustedHosts:    e.TrustedHosts,
			CategoryImages:  e.CategoryImages,
			DefaultImage:    e.DefaultImage,
			MessageLimit:    e.MessageLimit,
			ScheduleLayout:  e.ScheduleLayout,
			SystemName:      e.SystemName,
		},
		Store: Store{
			Driver:     DriverMemory,
			TxAttempts: constants.DefaultTxnAttempts,
			SurrealDB: SurrealDB{
				URL:       "ws://localhost:8000",
				Namespace: "trybe",
				Database:  "trybe",
			},
			MongoDB: MongoDB{
				URI:      "mongodb://localhost:27017",
				Database: "trybe",
			},
		},
		Objects: Objects{Timeout: Duration(10 * time.Second)},
		Cache: Cache{
			Driver: DriverMemory,
			Path:   "trybesync.db",
		},
		Identity: Identity{Issuer: "trybesync"},
		Bridge:   Bridge{Addr: "127.0.0.1:8787"},
		Log:      Log{Level: "info"},
	}
}

// Load reads path over the defaults, loads the given .env files and applies
// environment overrides. A missing path or .env file is not an error.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("cannot read config: %w", err)
		default:
			if err := Decode(bytes.NewReader(data), &cfg); err != nil {
				return cfg, fmt.Errorf("cannot parse config %s: %w", path, err)
			}
		}
	}
	if err := LoadDotEnv(envFiles...); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Decode reads TOML from r into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	return toml.NewDecoder(r).DisallowUnknownFields().Decode(cfg)
}

// LoadDotEnv loads files into the process environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load %s: %w", f, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{DriverMemory, DriverSurrealDB, DriverMongoDB}, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q (valid: memory, surrealdb, mongodb)", c.Store.Driver))
	}
	if !slices.Contains([]string{DriverMemory, DriverSQLite}, c.Cache.Driver) {
		errs = append(errs, fmt.Errorf("cache.driver: unknown driver %q (valid: memory, sqlite)", c.Cache.Driver))
	}
	if c.Cache.Driver == DriverSQLite && c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path: required by the sqlite driver"))
	}
	if c.Store.TxAttempts < 1 {
		errs = append(errs, errors.New("store.tx_attempts: must be at least 1"))
	}
	if c.Engine.SnapshotTTL <= 0 {
		errs = append(errs, errors.New("engine.snapshot_ttl: must be positive"))
	}
	if c.Engine.MessageLimit < 0 {
		errs = append(errs, errors.New("engine.message_limit: must not be negative"))
	}
	if c.Identity.Token != "" && c.Identity.Secret == "" {
		errs = append(errs, errors.New("identity.secret: required to verify identity.token"))
	}
	return errors.Join(errs...)
}

// EngineConfig converts the [engine] section.
func (c Config) EngineConfig() trybesync.Config {
	e := trybesync.DefaultConfig()
	e.AuthWait = time.Duration(c.Engine.AuthWait)
	e.SnapshotTTL = time.Duration(c.Engine.SnapshotTTL)
	e.PersistDebounce = time.Duration(c.Engine.PersistDebounce)
	e.NetworkBackoff = time.Duration(c.Engine.NetworkBackoff)
	e.TrustedHosts = slices.Clone(c.Engine.TrustedHosts)
	e.CategoryImages = make(map[string]string, len(c.Engine.CategoryImages))
	for k, v := range c.Engine.CategoryImages {
		e.CategoryImages[k] = v
	}
	e.DefaultImage = c.Engine.DefaultImage
	e.MessageLimit = c.Engine.MessageLimit
	e.ScheduleLayout = c.Engine.ScheduleLayout
	e.SystemName = c.Engine.SystemName
	return e
}

func (s SurrealDB) StoreConfig() surrealstore.Config {
	return surrealstore.Config{
		URL:       s.URL,
		Namespace: s.Namespace,
		Database:  s.Database,
		Username:  s.Username,
		Password:  s.Password,
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Store.SurrealDB.Password)
	mask(&c.Objects.Token)
	mask(&c.Identity.Token)
	mask(&c.Identity.Secret)
	return c
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}
