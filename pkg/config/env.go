package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type setter func(c *Config, v string) error

func str(f func(c *Config) *string) setter {
	return func(c *Config, v string) error {
		*f(c) = v
		return nil
	}
}

func integer(f func(c *Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func duration(f func(c *Config) *Duration) setter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = Duration(d)
		return nil
	}
}

func list(f func(c *Config) *[]string) setter {
	return func(c *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*f(c) = out
		return nil
	}
}

// settable lists the keys accepted by Set and the environment, in
// section.field notation.
var settable = map[string]setter{
	"engine.auth_wait":        duration(func(c *Config) *Duration { return &c.Engine.AuthWait }),
	"engine.snapshot_ttl":     duration(func(c *Config) *Duration { return &c.Engine.SnapshotTTL }),
	"engine.persist_debounce": duration(func(c *Config) *Duration { return &c.Engine.PersistDebounce }),
	"engine.network_backoff":  duration(func(c *Config) *Duration { return &c.Engine.NetworkBackoff }),
	"engine.trusted_hosts":    list(func(c *Config) *[]string { return &c.Engine.TrustedHosts }),
	"engine.default_image":    str(func(c *Config) *string { return &c.Engine.DefaultImage }),
	"engine.message_limit":    integer(func(c *Config) *int { return &c.Engine.MessageLimit }),
	"engine.system_name":      str(func(c *Config) *string { return &c.Engine.SystemName }),

	"store.driver":              str(func(c *Config) *string { return &c.Store.Driver }),
	"store.tx_attempts":         integer(func(c *Config) *int { return &c.Store.TxAttempts }),
	"store.surrealdb.url":       str(func(c *Config) *string { return &c.Store.SurrealDB.URL }),
	"store.surrealdb.namespace": str(func(c *Config) *string { return &c.Store.SurrealDB.Namespace }),
	"store.surrealdb.database":  str(func(c *Config) *string { return &c.Store.SurrealDB.Database }),
	"store.surrealdb.username":  str(func(c *Config) *string { return &c.Store.SurrealDB.Username }),
	"store.surrealdb.password":  str(func(c *Config) *string { return &c.Store.SurrealDB.Password }),
	"store.mongodb.uri":         str(func(c *Config) *string { return &c.Store.MongoDB.URI }),
	"store.mongodb.database":    str(func(c *Config) *string { return &c.Store.MongoDB.Database }),

	"objects.base_url": str(func(c *Config) *string { return &c.Objects.BaseURL }),
	"objects.token":    str(func(c *Config) *string { return &c.Objects.Token }),
	"objects.timeout":  duration(func(c *Config) *Duration { return &c.Objects.Timeout }),

	"cache.driver": str(func(c *Config) *string { return &c.Cache.Driver }),
	"cache.path":   str(func(c *Config) *string { return &c.Cache.Path }),

	"identity.user":   str(func(c *Config) *string { return &c.Identity.User }),
	"identity.token":  str(func(c *Config) *string { return &c.Identity.Token }),
	"identity.secret": str(func(c *Config) *string { return &c.Identity.Secret }),
	"identity.issuer": str(func(c *Config) *string { return &c.Identity.Issuer }),

	"bridge.addr": str(func(c *Config) *string { return &c.Bridge.Addr }),

	"log.level": str(func(c *Config) *string { return &c.Log.Level }),
	"log.path":  str(func(c *Config) *string { return &c.Log.Path }),
}

// Keys returns every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(settable))
	for k := range settable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvName returns the environment variable overriding key, e.g.
// TRYBESYNC_STORE_SURREALDB_URL for store.surrealdb.url.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Set assigns a value given in section.field notation.
func (c *Config) Set(key, value string) error {
	set, ok := settable[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// ApplyEnv overrides every key whose variable lookup finds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, key := range Keys() {
		v, ok := lookup(EnvName(key))
		if !ok {
			continue
		}
		if err := c.Set(key, v); err != nil {
			return fmt.Errorf("%s: %w", EnvName(key), err)
		}
	}
	return nil
}
