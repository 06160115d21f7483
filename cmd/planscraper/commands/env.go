package commands

import (
	"context"
	"errors"
	"log/slog"

	"planscraper/internal/browser"
	"planscraper/internal/components/chrono"
	"planscraper/internal/components/telemetry"
	"planscraper/internal/config"
	"planscraper/internal/document"
	"planscraper/internal/orchestrator"
	"planscraper/internal/portal"
	"planscraper/internal/store"
	"planscraper/lib/restyutil"
	libtelemetry "planscraper/lib/telemetry"
)

// env is everything a scrape needs, built from the config.
type env struct {
	cfg          config.Config
	tel          telemetry.API
	time         chrono.TimeAPI
	telemetry    libtelemetry.Telemetry
	chrome       *browser.Chrome
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
}

func newEnv(ctx context.Context, cfg config.Config, service string) (*env, error) {
	e := &env{
		cfg:  cfg,
		tel:  telemetry.SlogAPI{},
		time: chrono.NewStandardTime(),
	}

	var err error
	e.telemetry, err = libtelemetry.SetupFromEnv(ctx, service)
	if err != nil {
		return nil, err
	}

	var dump restyutil.InstrumentOutput
	if cfg.DumpHttpDir != "" {
		output, err := restyutil.NewFilesystemOutput(cfg.DumpHttpDir)
		if err != nil {
			e.Close()
			return nil, err
		}
		dump = output
	}

	client, err := portal.NewClient(portal.ClientOptions{
		Config: cfg.Portal,
		Dump:   dump,
	}, e.tel)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.chrome, err = browser.Launch(ctx, cfg.ChromeOptions(), e.tel)
	if err != nil {
		e.Close()
		return nil, err
	}

	var index orchestrator.Index
	if cfg.Store.Enabled() {
		s, err := store.Open(ctx, cfg.Store)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.store = &s
		index = s
	}

	e.orchestrator = orchestrator.New(orchestrator.Options{
		OutputRoot: cfg.OutputDir,
		Download:   cfg.DownloadOptions(),
		Document:   document.DefaultOptions(),
	}, orchestrator.Dependencies{
		Portal:    client,
		Direct:    client.Http,
		Browser:   e.chrome,
		Index:     index,
		Time:      e.time,
		Telemetry: e.tel,
	})
	return e, nil
}

func (e *env) Close() {
	var errs []error
	if e.chrome != nil {
		errs = append(errs, e.chrome.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.telemetry.Shutdown(context.Background()))

	err := errors.Join(errs...)
	if err != nil {
		slog.Warn("failed to clean up", "err", err)
	}
}
