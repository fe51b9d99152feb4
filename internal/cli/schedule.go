package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/logging"
	"github.com/redloop-ai/redloop/internal/schedule"
)

func newScheduleCmd() *cobra.Command {
	var cronSpec string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run assessments on a recurring cron schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cron") {
				cfg.Schedule.Enabled = true
				cfg.Schedule.Cron = cronSpec
			}
			if !cfg.Schedule.Enabled || cfg.Schedule.Cron == "" {
				return fmt.Errorf("no schedule configured: set schedule.cron in %s or pass --cron", cfg.ConfigPath())
			}
			if err := fillTargetPassword(cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := schedule.NextAfter(cfg.Schedule.Cron, time.Now()); err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
				return fmt.Errorf("create data dir %q: %w", cfg.DataDir(), err)
			}
			pidPath := filepath.Join(cfg.DataDir(), "redloop.pid")
			if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
				return fmt.Errorf("write pid file %q: %w", pidPath, err)
			}
			defer os.Remove(pidPath)

			out := cmd.OutOrStdout()
			password := cfg.Target.Password
			service := schedule.NewService(cfg.Schedule.Cron, func(ctx context.Context) error {
				// Reload so config edits between runs take effect. The password
				// prompted at startup carries over when the file leaves it empty.
				runCfg, err := config.Load()
				if err != nil {
					return err
				}
				if runCfg.Target.Password == "" {
					runCfg.Target.Password = password
				}
				if err := runCfg.Validate(); err != nil {
					return err
				}
				_, err = runAssessment(ctx, runCfg, out)
				return err
			})

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := service.Start(runCtx); err != nil {
				return err
			}
			logging.Logger().Info("waiting for scheduled runs", "next", service.Next().Format(time.RFC3339))

			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return service.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&cronSpec, "cron", "", "Cron spec overriding schedule.cron")

	return cmd
}
