package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ilokitv/awgbot/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Запустить учет трафика и отзыв клиентов по сроку и лимиту",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		// Проверяем окружение активного сервера; при ошибке процесс не запускается
		server, err := a.registry.Bootstrap(ctx)
		if err != nil {
			return err
		}
		status, err := a.validator.Validate(ctx, server)
		if err != nil {
			return fmt.Errorf("server %s: %w", server.ID, err)
		}
		if !status.Ready {
			return fmt.Errorf("server %s is not ready: %s", server.ID, status.Reason)
		}
		logger.Info("Активный сервер готов", "server", server.ID, "remote", server.IsRemote)

		if err := a.manager.RebuildSchedule(ctx); err != nil {
			return err
		}
		logger.Info("Расписание отзыва восстановлено", "pending", len(a.sched.Pending()))

		jobs := scheduler.NewPeriodic(logger,
			scheduler.Job{
				Name:       "metering",
				Interval:   cfg.Metering.Interval,
				RunAtStart: true,
				Run: func(ctx context.Context) error {
					err := a.manager.CollectTraffic(ctx)
					if rerr := a.manager.Reconcile(ctx); rerr != nil {
						logger.Error("Ошибка сверки расписания", "error", rerr)
					}
					return err
				},
			},
			scheduler.Job{
				Name:     "isp-sweep",
				Interval: cfg.ISP.Sweep,
				Run: func(ctx context.Context) error {
					removed, err := a.isp.Sweep(ctx)
					if removed > 0 {
						logger.Info("Устаревшие записи кэша провайдеров удалены", "removed", removed)
					}
					return err
				},
			},
		)
		jobs.Start(ctx)

		<-ctx.Done()
		logger.Info("Завершение работы...")

		done := make(chan struct{})
		go func() {
			jobs.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.Transport.CommandTimeout + 5*time.Second):
			logger.Warn("Фоновые задачи не завершились вовремя")
		}
		return nil
	},
}
