package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ilokitv/awgbot/internal/config"
	"github.com/ilokitv/awgbot/internal/logging"
)

var (
	configPath string
	debugFlag  bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "awgbot",
	Short:         "Управление клиентами AmneziaWG: выдача, учет трафика и отзыв",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Загружаем конфигурацию
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if debugFlag {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Log.Format)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "путь к файлу конфигурации")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "подробное логирование")

	rootCmd.AddCommand(runCmd, serverCmd, clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
