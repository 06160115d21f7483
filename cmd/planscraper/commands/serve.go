package commands

import (
	"context"
	"time"

	"planscraper/internal/api"
	"planscraper/internal/jobs"
	"planscraper/internal/notify"
	"planscraper/internal/orchestrator"
	libtelemetry "planscraper/lib/telemetry"
	"planscraper/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var servePort *int

func init() {
	servePort = serveCmd.Flags().Int("port", 0, "Port to listen on, overrides server.port.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--port <port>]",
	Short: "Serves acquisitions and downloaded files over http.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := loadConfig(cmd)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		if *servePort > 0 {
			cfg.Server.Port = *servePort
		}

		e, err := newEnv(ctx, cfg, "planscraper-server")
		if err != nil {
			serviceutil.Fatal("failed to start scraper", err)
		}
		defer e.Close()

		libtelemetry.InstrumentPerfStats(ctx, 15*time.Second)

		mailer := notify.NewMailer(cfg.Notify, e.tel)
		opts := api.Options{
			Delay: cfg.Delay(),
			OnBatchDone: func(ctx context.Context, summary orchestrator.BatchSummary) {
				mailer.SendBatchSummary(ctx, summary)
			},
		}
		if e.store != nil {
			opts.Finder = e.store
		}

		registry := jobs.NewMemoryRegistry(cfg.Server.JobCapacity, cfg.JobTtl(), e.time)
		handler := api.NewHandler(ctx, e.orchestrator, registry, opts, e.tel)

		err = serviceutil.StartHttpServer(ctx, cfg.Server.Port, handler.Mux())
		if err != nil {
			serviceutil.Fatal("http server stopped", err)
		}
	},
}
