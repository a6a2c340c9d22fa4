// Package config loads the gateway's TOML configuration onto defaults.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/realmgate/internal/keystore"
	"github.com/danmuck/realmgate/internal/protocol/crypt"
	"github.com/danmuck/realmgate/internal/protocol/frame"
)

const (
	KeystoreStatic = "static"
	KeystoreSQLite = "sqlite"

	OrderLittle = "little"
	OrderBig    = "big"
)

// Config is the resolved gateway configuration.
type Config struct {
	ListenAddr  string
	BackendAddr string
	// AdminAddr serves /health, /sessions and /metrics. Empty disables it.
	AdminAddr string
	// AdminToken, when set, is required as a bearer token on /sessions.
	AdminToken string

	ReadTimeout time.Duration
	// WriteTimeout bounds one write to a client socket.
	WriteTimeout        time.Duration
	BackendDialTimeout  time.Duration
	BackendWriteTimeout time.Duration

	// ClientLengthOrder is the byte order of the length field on frames
	// sent to clients.
	ClientLengthOrder string
	KeyDerivation     crypt.Derivation

	Keystore     string
	KeystorePath string
	// Accounts maps account name to hex session key for the static store.
	Accounts map[string]string
}

func Default() Config {
	return Config{
		ListenAddr:          ":8085",
		BackendAddr:         "127.0.0.1:8086",
		AdminAddr:           "127.0.0.1:8087",
		ReadTimeout:         2 * time.Minute,
		WriteTimeout:        10 * time.Second,
		BackendDialTimeout:  5 * time.Second,
		BackendWriteTimeout: 5 * time.Second,
		ClientLengthOrder:   OrderLittle,
		KeyDerivation:       crypt.DeriveNone,
		Keystore:            KeystoreStatic,
		Accounts:            map[string]string{},
	}
}

// OutboundMode is the frame mode for gateway -> client traffic.
func (c Config) OutboundMode() frame.Mode {
	m := frame.ClientOutbound
	if c.ClientLengthOrder == OrderBig {
		m.Order = binary.BigEndian
	}
	return m
}

func Validate(cfg Config) error {
	var errs []error
	for name, addr := range map[string]string{
		"listen_addr":  cfg.ListenAddr,
		"backend_addr": cfg.BackendAddr,
	} {
		if strings.TrimSpace(addr) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, addr, err))
		}
	}
	if cfg.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.AdminAddr); err != nil {
			errs = append(errs, fmt.Errorf("admin_addr %q: %w", cfg.AdminAddr, err))
		}
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, errors.New("read_timeout must not be negative"))
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout must not be negative"))
	}
	switch cfg.ClientLengthOrder {
	case OrderLittle, OrderBig:
	default:
		errs = append(errs, fmt.Errorf("client_length_order %q: want %q or %q", cfg.ClientLengthOrder, OrderLittle, OrderBig))
	}
	if _, err := crypt.ParseDerivation(string(cfg.KeyDerivation)); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Keystore {
	case KeystoreStatic:
		for account, raw := range cfg.Accounts {
			if _, err := keystore.ParseKey(raw); err != nil {
				errs = append(errs, fmt.Errorf("accounts.%s: %w", account, err))
			}
		}
	case KeystoreSQLite:
		if strings.TrimSpace(cfg.KeystorePath) == "" {
			errs = append(errs, errors.New("keystore_path is required for the sqlite keystore"))
		}
	default:
		errs = append(errs, fmt.Errorf("keystore %q: want %q or %q", cfg.Keystore, KeystoreStatic, KeystoreSQLite))
	}
	return errors.Join(errs...)
}

type fileConfig struct {
	ListenAddr          string            `toml:"listen_addr"`
	BackendAddr         string            `toml:"backend_addr"`
	AdminAddr           string            `toml:"admin_addr"`
	AdminToken          string            `toml:"admin_token"`
	ReadTimeout         string            `toml:"read_timeout"`
	WriteTimeout        string            `toml:"write_timeout"`
	BackendDialTimeout  string            `toml:"backend_dial_timeout"`
	BackendWriteTimeout string            `toml:"backend_write_timeout"`
	ClientLengthOrder   string            `toml:"client_length_order"`
	KeyDerivation       string            `toml:"key_derivation"`
	Keystore            string            `toml:"keystore"`
	KeystorePath        string            `toml:"keystore_path"`
	Accounts            map[string]string `toml:"accounts"`
}

// Load decodes path and applies every key it defines onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("backend_addr") {
		cfg.BackendAddr = strings.TrimSpace(raw.BackendAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backend_dial_timeout", raw.BackendDialTimeout, &cfg.BackendDialTimeout},
		{"backend_write_timeout", raw.BackendWriteTimeout, &cfg.BackendWriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if meta.IsDefined("client_length_order") {
		cfg.ClientLengthOrder = strings.ToLower(strings.TrimSpace(raw.ClientLengthOrder))
	}
	if meta.IsDefined("key_derivation") {
		d, err := crypt.ParseDerivation(raw.KeyDerivation)
		if err != nil {
			return Config{}, err
		}
		cfg.KeyDerivation = d
	}
	if meta.IsDefined("keystore") {
		cfg.Keystore = strings.ToLower(strings.TrimSpace(raw.Keystore))
	}
	if meta.IsDefined("keystore_path") {
		cfg.KeystorePath = strings.TrimSpace(raw.KeystorePath)
	}
	if meta.IsDefined("accounts") {
		for account, key := range raw.Accounts {
			cfg.Accounts[account] = key
		}
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
