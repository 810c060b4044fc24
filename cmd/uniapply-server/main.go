package main

import (
	"context"
	"flag"
	"log/slog"

	"uniapply-backend/internal/api"
	"uniapply-backend/internal/app"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/serviceutil"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/config"
	"uniapply-backend/internal/tasks"
)

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	configPath := flag.String("config", "config.json5", "Path to the config file.")
	flag.Parse()

	ctx := serviceutil.SignalContext()
	InitTelemetry(ctx, *verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	err = cfg.ServerReady()
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	tel := telemetry.SlogAPI{}
	a, err := app.Open(ctx, cfg, tel)
	if err != nil {
		serviceutil.Fatal("open", err)
	}
	defer a.Close()

	dispatcher, err := a.Dispatcher(ctx, ctx)
	if err != nil {
		serviceutil.Fatal("init dispatcher", err)
	}

	cron := chrono.NewStandardCron(tel)
	defer cron.Stop()
	reaper := tasks.NewReaper(a.Tasks, cfg.Automation.SessionTimeout, tel)
	err = reaper.Start(ctx, cron)
	if err != nil {
		serviceutil.Fatal("start reaper", err)
	}

	server := api.NewServer(a.Profiles, a.Tasks, dispatcher, api.NewAuthenticator(cfg.Server.JWTSecret), tel)
	err = serviceutil.StartHttpServer(ctx, cfg.Server.Port, server.Handler())
	if err != nil {
		serviceutil.Fatal("serve", err)
	}

	slog.Info("waiting for running sessions to stop")
	_ = dispatcher.Wait()
}

func InitTelemetry(ctx context.Context, verbose bool) {
	telemetry.InitSlog(verbose)

	if verbose {
		slog.DebugContext(ctx, "verbose logging enabled")
	}

	providers, err := telemetry.SetupFromEnv(ctx, "uniapply-server")
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	go func() {
		<-ctx.Done()
		providers.Shutdown(context.Background())
	}()
	telemetry.InstrumentPerfStats(ctx)
}
