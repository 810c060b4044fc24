// Package config is the process configuration shared by the server and the
// operator cli.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"uniapply-backend/internal/automation"
	"uniapply-backend/internal/browser"
	"uniapply-backend/internal/components/configutil"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/lock"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/keychain"
)

type ServerConfig struct {
	Port int `json:"port"`
	// JWTSecret verifies HS256 bearer tokens, issuing them is not our job.
	JWTSecret string `json:"jwt_secret"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url"`
}

type Config struct {
	Server      ServerConfig          `json:"server"`
	Database    DatabaseConfig        `json:"database"`
	Redis       lock.RedisConfig      `json:"redis"`
	Credentials keychain.Config       `json:"credentials"`
	Browser     browser.RodConfig     `json:"browser"`
	Automation  automation.Config     `json:"automation"`
	Smtp        automation.SmtpConfig `json:"smtp"`
	// Portals is the path of the portal definitions file.
	Portals string `json:"portals"`
	// ProbePortals checks a portal is reachable before a browser is opened for it.
	ProbePortals bool `json:"probe_portals"`
}

// Load reads path (plus its .local. override) and then the environment. A
// missing file is fine, everything can come from the environment.
func Load(path string) (Config, error) {
	configutil.LoadDotenv()

	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	err = cfg.ApplyEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields with the variables that are set.
func (c *Config) ApplyEnv() error {
	var err error
	c.Automation.MaxConcurrentBrowsers, err = configutil.EnvInt("MAX_CONCURRENT_BROWSERS", c.Automation.MaxConcurrentBrowsers)
	if err != nil {
		return err
	}
	c.Automation.BrowserTimeout, err = configutil.EnvDuration("BROWSER_TIMEOUT", c.Automation.BrowserTimeout)
	if err != nil {
		return err
	}
	c.Automation.SessionTimeout, err = configutil.EnvDuration("SESSION_TIMEOUT", c.Automation.SessionTimeout)
	if err != nil {
		return err
	}
	if proxies := configutil.EnvList("PROXY_POOL"); len(proxies) > 0 {
		c.Browser.Proxies = proxies
	}
	c.Server.Port, err = configutil.EnvInt("PORT", c.Server.Port)
	if err != nil {
		return err
	}

	c.Database.Driver = configutil.EnvString("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = configutil.EnvString("DATABASE_URL", c.Database.URL)
	c.Redis.Addr = configutil.EnvString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = configutil.EnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Server.JWTSecret = configutil.EnvString("JWT_SECRET", c.Server.JWTSecret)
	c.Credentials.Key = configutil.EnvString("CREDENTIAL_KEY", c.Credentials.Key)
	c.Credentials.Mode = configutil.EnvString("CREDENTIAL_MODE", c.Credentials.Mode)
	c.Smtp.Password = configutil.EnvString("SMTP_PASSWORD", c.Smtp.Password)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Database.Driver == "" {
		c.Database.Driver = db.DriverSqlite
	}
	if c.Database.URL == "" && c.Database.Driver == db.DriverSqlite {
		c.Database.URL = "uniapply.db"
	}
	if c.Portals == "" {
		c.Portals = "portals.json5"
	}
	c.Automation = c.Automation.WithDefaults()
}

// Validate checks what can be checked without connecting to anything.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverSqlite, db.DriverPostgres, db.DriverLibsql:
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required for %s", c.Database.Driver)
	}
	err := c.Automation.Validate()
	if err != nil {
		return fmt.Errorf("automation: %w", err)
	}
	err = browser.ValidateProxies(c.Browser.Proxies)
	if err != nil {
		return fmt.Errorf("browser.proxies: %w", err)
	}
	return nil
}

// ServerReady is the extra validation the api server needs.
func (c Config) ServerReady() error {
	if len(c.Server.JWTSecret) < 32 {
		return fmt.Errorf("server.jwt_secret (JWT_SECRET) must be at least 32 bytes")
	}
	return nil
}

// Locker returns the redis locker when redis is configured, else an
// in-process one. close releases the redis connection.
func (c Config) Locker(ctx context.Context, tel telemetry.API) (locker lock.Locker, close func() error, err error) {
	if c.Redis.Addr == "" {
		return lock.NewLocal(), func() error { return nil }, nil
	}
	r, err := lock.NewRedis(ctx, c.Redis, tel)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}
