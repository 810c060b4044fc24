// Package app wires the stores, the browser and the session controller from a
// loaded config. The server and the cli both start from here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"uniapply-backend/internal/agent"
	"uniapply-backend/internal/automation"
	"uniapply-backend/internal/browser"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/lock"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/config"
	"uniapply-backend/internal/keychain"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"
)

type App struct {
	Config   config.Config
	Profiles profile.Store
	Tasks    tasks.Store
	Keychain keychain.Keychain
	Portals  portal.Registry
	Locker   lock.Locker
	Pool     *automation.Pool
	Tel      telemetry.API

	db          *sql.DB
	closeLocker func() error

	// the browser is only launched by the commands that drive sessions
	driverOnce sync.Once
	driver     browser.Driver
	driverErr  error
}

// Open connects everything that does not need a browser.
func Open(ctx context.Context, cfg config.Config, tel telemetry.API) (*App, error) {
	sealer, err := keychain.NewSealer(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	registry, err := portal.LoadRegistry(cfg.Portals)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	locker, closeLocker, err := cfg.Locker(ctx, tel)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Credentials.Mode == keychain.ModePlaintext {
		slog.Warn("portal credentials are stored in plaintext", "signoff", cfg.Credentials.PlaintextSignoff)
	}

	qry := db.New(conn)
	makeTx := db.NewMakeTx(conn)
	clock := chrono.StandardImpl{}
	return &App{
		Config:      cfg,
		Profiles:    profile.NewStore(qry, makeTx, clock, tel),
		Tasks:       tasks.NewStore(qry, makeTx, clock, tel),
		Keychain:    keychain.NewKeychain(qry, sealer, clock, tel),
		Portals:     registry,
		Locker:      locker,
		Pool:        automation.NewPool(cfg.Automation.MaxConcurrentBrowsers, tel),
		Tel:         tel,
		db:          conn,
		closeLocker: closeLocker,
	}, nil
}

// Driver launches (or connects to) the browser on first use.
func (a *App) Driver(ctx context.Context) (browser.Driver, error) {
	a.driverOnce.Do(func() {
		a.driver, a.driverErr = browser.NewRodDriver(ctx, a.Config.Browser, a.Tel)
	})
	return a.driver, a.driverErr
}

// Controller builds a session controller on top of the shared browser.
func (a *App) Controller(ctx context.Context) (*automation.Controller, error) {
	driver, err := a.Driver(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	var opts []automation.Option
	if a.Config.ProbePortals {
		opts = append(opts, automation.WithProber(portal.NewProber(a.Tel)))
	}
	if a.Config.Smtp.Server != "" && len(a.Config.Smtp.Operators) > 0 {
		opts = append(opts, automation.WithNotifier(automation.NewEmailNotifier(a.Config.Smtp)))
	}
	return automation.NewController(automation.Deps{
		Profiles: a.Profiles,
		Tasks:    a.Tasks,
		Keychain: a.Keychain,
		Portals:  a.Portals,
		Driver:   driver,
		Locker:   a.Locker,
		Pool:     a.Pool,
		Tel:      a.Tel,
	}, a.Config.Automation, opts...)
}

// Dispatcher runs sessions in the background until base is done.
func (a *App) Dispatcher(ctx, base context.Context) (*agent.Dispatcher, error) {
	controller, err := a.Controller(ctx)
	if err != nil {
		return nil, err
	}
	return agent.NewDispatcher(base, a.Profiles, a.Tasks, a.Portals, controller, a.Tel), nil
}

func (a *App) Close() error {
	var errs []error
	if a.driver != nil {
		errs = append(errs, a.driver.Close())
	}
	errs = append(errs, a.closeLocker(), a.db.Close())
	return errors.Join(errs...)
}
