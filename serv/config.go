package serv

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/wildoasis/dashcache/core"
)

// Backend kinds
const (
	BackendMemory   = "memory"
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

// Storage kinds
const (
	StorageFS   = "fs"
	StorageREST = "rest"
)

const envPrefix = "DASHCACHE"

// Config holds the service configuration
type Config struct {
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Caching   Caching             `mapstructure:"caching"`
	Backend   Backend             `mapstructure:"backend"`
	Storage   Storage             `mapstructure:"storage"`
	Resources map[string]Resource `mapstructure:"resources"`

	// Seed is a YAML file of rows loaded into the memory backend
	Seed string `mapstructure:"seed"`

	// Inherits names a parent config this one is merged over
	Inherits string `mapstructure:"inherits"`

	vi *viper.Viper
}

// Caching controls the query cache of the client session
type Caching struct {
	StaleTime            time.Duration `mapstructure:"stale_time"`
	GCTime               time.Duration `mapstructure:"gc_time"`
	MaxInactive          int           `mapstructure:"max_inactive"`
	QueryRetries         int           `mapstructure:"query_retries"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	CompensationAttempts int           `mapstructure:"compensation_attempts"`
}

// Backend selects the gateway the resources are read from and written to
type Backend struct {
	Type string `mapstructure:"type"`

	// URL and APIKey are used by the rest backend
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Token  string `mapstructure:"token"`

	// ConnString is used by the postgres backend
	ConnString string `mapstructure:"conn_string"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// Storage selects where blobs are uploaded
type Storage struct {
	Type string `mapstructure:"type"`

	// Root is the directory used by the fs storage
	Root string `mapstructure:"root"`

	// PublicURL is the base of the public blob paths. The rest storage
	// defaults it to the backend url.
	PublicURL string `mapstructure:"public_url"`
}

// Resource configures the blob owned by a resource
type Resource struct {
	Bucket    string `mapstructure:"bucket"`
	BlobField string `mapstructure:"blob_field"`
}

// ReadInConfig reads in the config file, merged over the config named by its
// inherits key. Keys can be overridden with DASHCACHE_ prefixed env vars,
// e.g. DASHCACHE_BACKEND_URL.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but it also takes a filesystem as an argument
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := path.Dir(configFile)
	vi := newViper(cp, path.Base(configFile), fs)

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf, fs)

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if v := vi.GetString("inherits"); v != "" {
			return nil, fmt.Errorf("inherited config (%s) cannot itself inherit (%s)", pcf, v)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{vi: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	return c, nil
}

func newViper(configPath, configFile string, fs afero.Fs) *viper.Viper {
	vi := viper.New()

	if fs != nil {
		vi.SetFs(fs)
	}

	vi.SetEnvPrefix(envPrefix)
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	if filepath.Ext(configFile) != "" {
		vi.SetConfigFile(path.Join(configPath, configFile))
	} else {
		vi.SetConfigName(configFile)
		vi.AddConfigPath(configPath)
		vi.AddConfigPath("./config")
	}

	setDefaults(vi)
	return vi
}

// setDefaults registers every key so env overrides apply even when the
// file leaves the key out
func setDefaults(vi *viper.Viper) {
	vi.SetDefault("app_name", "dashcache")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "console")

	vi.SetDefault("caching.stale_time", time.Minute)
	vi.SetDefault("caching.gc_time", 5*time.Minute)
	vi.SetDefault("caching.max_inactive", 0)
	vi.SetDefault("caching.query_retries", 0)
	vi.SetDefault("caching.retry_delay", 200*time.Millisecond)
	vi.SetDefault("caching.compensation_attempts", 3)

	vi.SetDefault("backend.type", BackendMemory)
	vi.SetDefault("backend.url", "")
	vi.SetDefault("backend.api_key", "")
	vi.SetDefault("backend.token", "")
	vi.SetDefault("backend.conn_string", "")
	vi.SetDefault("backend.timeout", 10*time.Second)

	vi.SetDefault("storage.type", StorageFS)
	vi.SetDefault("storage.root", "./blobs")
	vi.SetDefault("storage.public_url", "")

	vi.SetDefault("seed", "")
}

// NewConfig returns a config with the defaults applied, for use without
// a config file
func NewConfig() *Config {
	vi := viper.New()
	setDefaults(vi)

	c := &Config{vi: vi}
	_ = vi.Unmarshal(c)
	return c
}

// Validate checks the settings needed by the selected backend and storage
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendMemory:
	case BackendREST:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for the %s backend", c.Backend.Type)
		}
	case BackendPostgres:
		if c.Backend.ConnString == "" {
			return fmt.Errorf("backend.conn_string is required for the %s backend", c.Backend.Type)
		}
	default:
		return fmt.Errorf("unknown backend type: %q", c.Backend.Type)
	}

	switch c.Storage.Type {
	case StorageFS:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the %s storage", c.Storage.Type)
		}
	case StorageREST:
		if c.Storage.PublicURL == "" && c.Backend.URL == "" {
			return fmt.Errorf("storage.public_url or backend.url is required for the %s storage", c.Storage.Type)
		}
	default:
		return fmt.Errorf("unknown storage type: %q", c.Storage.Type)
	}

	if c.Caching.StaleTime < 0 || c.Caching.GCTime < 0 {
		return fmt.Errorf("caching times cannot be negative")
	}
	return nil
}

// CoreConfig returns the settings of the client session
func (c *Config) CoreConfig() core.Config {
	conf := core.Config{
		StaleTime:            c.Caching.StaleTime,
		GCTime:               c.Caching.GCTime,
		MaxInactive:          c.Caching.MaxInactive,
		QueryRetries:         c.Caching.QueryRetries,
		RetryDelay:           c.Caching.RetryDelay,
		CompensationAttempts: c.Caching.CompensationAttempts,
	}

	if len(c.Resources) != 0 {
		conf.Resources = make(map[string]core.ResourceSpec, len(c.Resources))
		for name, r := range c.Resources {
			conf.Resources[name] = core.ResourceSpec{Bucket: r.Bucket, BlobField: r.BlobField}
		}
	}
	return conf
}

// GetString returns a raw config value, env overrides included
func (c *Config) GetString(key string) string {
	if c.vi == nil {
		return ""
	}
	return c.vi.GetString(key)
}

// ConfigFileUsed returns the path of the config file read, if any
func (c *Config) ConfigFileUsed() string {
	if c.vi == nil {
		return ""
	}
	return c.vi.ConfigFileUsed()
}

// GetConfigName returns the name of the config file from GO_ENV,
// defaulting to dev
func GetConfigName() string {
	ge := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch ge {
	case "production", "prod":
		return "prod"
	case "staging", "stage":
		return "stage"
	case "testing", "test":
		return "test"
	case "development", "dev", "":
		return "dev"
	default:
		return ge
	}
}
