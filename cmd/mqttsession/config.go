package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/vitalvas/mqttsession"
	"gopkg.in/yaml.v3"
)

var errUnknownConfigFormat = errors.New("unknown config format")

// Store kinds.
const (
	storeMemory = "memory"
	storeFile   = "file"
	storeMongo  = "mongo"
)

type storeConfig struct {
	Kind          string
	Path          string
	Passphrase    string
	MongoURI      string
	MongoDatabase string
}

type config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	KeepAlive       time.Duration
	ReconnectPeriod time.Duration
	ConnectTimeout  time.Duration
	MaxRetries      int
	CleanSession    bool
	Insecure        bool
	LogLevel        mqttsession.LogLevel
	Store           storeConfig
}

func defaultConfig() config {
	return config{
		Broker:          "tcp://localhost:1883",
		KeepAlive:       60 * time.Second,
		ReconnectPeriod: time.Second,
		ConnectTimeout:  30 * time.Second,
		CleanSession:    true,
		LogLevel:        mqttsession.LogLevelWarn,
		Store: storeConfig{
			Kind:          storeMemory,
			MongoDatabase: "mqttsession",
		},
	}
}

// fileStoreConfig and fileConfig mirror the config file. Pointer fields tell
// a missing key from a zero value.
type fileStoreConfig struct {
	Kind          *string `toml:"kind" yaml:"kind"`
	Path          *string `toml:"path" yaml:"path"`
	Passphrase    *string `toml:"passphrase" yaml:"passphrase"`
	MongoURI      *string `toml:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase *string `toml:"mongo_database" yaml:"mongo_database"`
}

type fileConfig struct {
	Broker          *string          `toml:"broker" yaml:"broker"`
	ClientID        *string          `toml:"client_id" yaml:"client_id"`
	Username        *string          `toml:"username" yaml:"username"`
	Password        *string          `toml:"password" yaml:"password"`
	KeepAlive       *string          `toml:"keep_alive" yaml:"keep_alive"`
	ReconnectPeriod *string          `toml:"reconnect_period" yaml:"reconnect_period"`
	ConnectTimeout  *string          `toml:"connect_timeout" yaml:"connect_timeout"`
	MaxRetries      *int             `toml:"max_retries" yaml:"max_retries"`
	CleanSession    *bool            `toml:"clean_session" yaml:"clean_session"`
	Insecure        *bool            `toml:"insecure" yaml:"insecure"`
	LogLevel        *string          `toml:"log_level" yaml:"log_level"`
	Store           *fileStoreConfig `toml:"store" yaml:"store"`
}

// loadConfig reads a TOML or YAML file, chosen by extension, over the
// defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".toml", ".yaml", ".yml":
	default:
		return config{}, fmt.Errorf("%w: %q", errUnknownConfigFormat, filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	var raw fileConfig
	switch ext {
	case ".toml":
		meta, err := toml.Decode(string(data), &raw)
		if err != nil {
			return config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil {
			return config{}, fmt.Errorf("load config: %w", err)
		}
	}

	if err := raw.apply(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (raw *fileConfig) apply(cfg *config) error {
	setString(&cfg.Broker, raw.Broker)
	setString(&cfg.ClientID, raw.ClientID)
	setString(&cfg.Username, raw.Username)
	setString(&cfg.Password, raw.Password)

	if err := setDuration(&cfg.KeepAlive, raw.KeepAlive, "keep_alive"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReconnectPeriod, raw.ReconnectPeriod, "reconnect_period"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return err
	}

	if raw.MaxRetries != nil {
		cfg.MaxRetries = *raw.MaxRetries
	}
	if raw.CleanSession != nil {
		cfg.CleanSession = *raw.CleanSession
	}
	if raw.Insecure != nil {
		cfg.Insecure = *raw.Insecure
	}

	if raw.LogLevel != nil {
		level, err := parseLogLevel(*raw.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	if s := raw.Store; s != nil {
		setString(&cfg.Store.Kind, s.Kind)
		setString(&cfg.Store.Path, s.Path)
		setString(&cfg.Store.Passphrase, s.Passphrase)
		setString(&cfg.Store.MongoURI, s.MongoURI)
		setString(&cfg.Store.MongoDatabase, s.MongoDatabase)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setDuration(dst *time.Duration, v *string, key string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseLogLevel(s string) (mqttsession.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return mqttsession.LogLevelDebug, nil
	case "info":
		return mqttsession.LogLevelInfo, nil
	case "warn", "warning":
		return mqttsession.LogLevelWarn, nil
	case "error":
		return mqttsession.LogLevelError, nil
	case "none", "off":
		return mqttsession.LogLevelNone, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// globalFlags are the connection flags shared by every subcommand.
type globalFlags struct {
	config          string
	broker          string
	clientID        string
	username        string
	password        string
	keepAlive       time.Duration
	reconnectPeriod time.Duration
	maxRetries      int
	cleanSession    bool
	insecure        bool
	logLevel        string
	storePath       string
}

func bindGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.config, "config", "", "config file (.toml, .yaml or .yml)")
	fs.StringVar(&g.broker, "broker", "", "broker address, e.g. tcp://localhost:1883")
	fs.StringVar(&g.clientID, "id", "", "client identifier")
	fs.StringVar(&g.username, "username", "", "user name")
	fs.StringVar(&g.password, "password", "", "password")
	fs.DurationVar(&g.keepAlive, "keepalive", 0, "keep-alive interval")
	fs.DurationVar(&g.reconnectPeriod, "reconnect", 0, "base reconnect delay")
	fs.IntVar(&g.maxRetries, "retries", 0, "give up after this many failed reconnects (0 retries forever)")
	fs.BoolVar(&g.cleanSession, "clean", true, "start a clean session")
	fs.BoolVar(&g.insecure, "insecure", false, "skip TLS certificate verification")
	fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn, error or none")
	fs.StringVar(&g.storePath, "store", "", "file store path for unacknowledged messages")
	return g
}

// resolve loads the config file, if any, and applies the flags that were set
// on the command line.
func (g *globalFlags) resolve(fs *flag.FlagSet) (config, error) {
	cfg := defaultConfig()
	if g.config != "" {
		loaded, err := loadConfig(g.config)
		if err != nil {
			return config{}, err
		}
		cfg = loaded
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			cfg.Broker = g.broker
		case "id":
			cfg.ClientID = g.clientID
		case "username":
			cfg.Username = g.username
		case "password":
			cfg.Password = g.password
		case "keepalive":
			cfg.KeepAlive = g.keepAlive
		case "reconnect":
			cfg.ReconnectPeriod = g.reconnectPeriod
		case "retries":
			cfg.MaxRetries = g.maxRetries
		case "clean":
			cfg.CleanSession = g.cleanSession
		case "insecure":
			cfg.Insecure = g.insecure
		case "log-level":
			var level mqttsession.LogLevel
			if level, err = parseLogLevel(g.logLevel); err == nil {
				cfg.LogLevel = level
			}
		case "store":
			cfg.Store.Kind = storeFile
			cfg.Store.Path = g.storePath
		}
	})
	if err != nil {
		return config{}, err
	}

	return cfg, nil
}

// openStore builds the outbound store. The returned close function releases
// any connection the store holds.
func openStore(ctx context.Context, cfg config) (mqttsession.OutboundStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Kind {
	case "", storeMemory:
		return mqttsession.NewMemoryStore(), noop, nil

	case storeFile:
		if cfg.Store.Path == "" {
			return nil, nil, errors.New("file store requires a path")
		}
		var opts []mqttsession.FileStoreOption
		if cfg.Store.Passphrase != "" {
			opts = append(opts, mqttsession.WithPassphrase(cfg.Store.Passphrase))
		}
		store, err := mqttsession.NewFileStore(cfg.Store.Path, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return store, noop, nil

	case storeMongo:
		if cfg.Store.MongoURI == "" {
			return nil, nil, errors.New("mongo store requires mongo_uri")
		}
		if cfg.ClientID == "" {
			return nil, nil, errors.New("mongo store requires a client id")
		}
		store, err := mqttsession.OpenMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase, cfg.ClientID)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return store.Close(closeCtx)
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// clientOptions turns cfg into client options.
func (cfg config) clientOptions() []mqttsession.Option {
	opts := []mqttsession.Option{
		mqttsession.WithKeepAlive(cfg.KeepAlive),
		mqttsession.WithReconnectPeriod(cfg.ReconnectPeriod),
		mqttsession.WithConnectTimeout(cfg.ConnectTimeout),
		mqttsession.WithMaxRetries(cfg.MaxRetries),
		mqttsession.WithCleanSession(cfg.CleanSession),
		mqttsession.WithBackoffStrategy(mqttsession.ExponentialBackoff(time.Minute)),
		mqttsession.WithProxyFromEnvironment(true),
	}
	if cfg.ClientID != "" {
		opts = append(opts, mqttsession.WithClientID(cfg.ClientID))
	}
	if cfg.Username != "" {
		opts = append(opts, mqttsession.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Insecure {
		opts = append(opts, mqttsession.WithTLS(&tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // opt-in for test brokers
		}))
	}
	return opts
}
