package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ilokitv/awgbot/internal/models"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Управление серверами",
}

var newServer models.Server

var serverAddCmd = &cobra.Command{
	Use:     "add ID",
	Short:   "Добавить сервер",
	Example: "awgbot server add eu1 --host 203.0.113.5 --remote --auth key --key ~/.ssh/id_ed25519",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		newServer.ID = args[0]
		if newServer.IsRemote && newServer.Host == "" {
			return fmt.Errorf("--host is required for a remote server")
		}
		if !newServer.IsRemote && newServer.Host == "" {
			newServer.Host = "127.0.0.1"
		}
		s, err := a.svc.AddServer(cmd.Context(), newServer)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Сервер %s добавлен (%s)\n", s.ID, s.Address())
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список серверов",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		active, _ := a.registry.Active()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\tID\tADDRESS\tCONTAINER\tADDED")
		for _, s := range a.svc.ListServers() {
			mark := ""
			if s.ID == active.ID {
				mark = "*"
			}
			addr := "local"
			if s.IsRemote {
				addr = s.Username + "@" + s.Address()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, s.ID, addr, s.Container, humanize.Time(s.CreatedAt))
		}
		return w.Flush()
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Удалить сервер вместе со всеми его клиентами",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.RemoveServer(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Сервер %s удален\n", args[0])
		return nil
	},
}

var serverUseCmd = &cobra.Command{
	Use:   "use ID",
	Short: "Сделать сервер активным",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.SetActiveServer(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Активный сервер: %s\n", args[0])
		return nil
	},
}

var serverCheckCmd = &cobra.Command{
	Use:   "check [ID]",
	Short: "Проверить docker-контейнер и конфигурацию AmneziaWG на сервере",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		var id string
		if len(args) == 1 {
			id = args[0]
		} else {
			active, err := a.svc.ActiveServer()
			if err != nil {
				return err
			}
			id = active.ID
		}

		status, err := a.svc.CheckServer(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !status.Ready {
			return fmt.Errorf("server %s is not ready: %s", id, status.Reason)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Сервер %s готов\n", id)
		return nil
	},
}

func init() {
	f := serverAddCmd.Flags()
	f.StringVar(&newServer.Host, "host", "", "адрес сервера")
	f.IntVar(&newServer.Port, "port", models.DefaultSSHPort, "порт SSH")
	f.StringVar(&newServer.Username, "user", "root", "пользователь SSH")
	f.BoolVar(&newServer.IsRemote, "remote", false, "подключаться по SSH")
	f.StringVar((*string)(&newServer.Auth.Method), "auth", string(models.AuthPassword), "способ аутентификации: password или key")
	f.StringVar(&newServer.Auth.PasswordRef, "password-ref", "", "ссылка на пароль: env:NAME или file:/path")
	f.StringVar(&newServer.Auth.KeyPath, "key", "", "путь к приватному ключу SSH")
	f.StringVar(&newServer.Container, "container", models.DefaultContainer, "имя docker-контейнера AmneziaWG")
	f.StringVar(&newServer.ConfigPath, "config-path", models.DefaultConfigPath, "путь к конфигурации внутри контейнера")
	f.StringVar(&newServer.Endpoint, "endpoint", "", "публичный адрес для клиентских конфигураций")

	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverRemoveCmd, serverUseCmd, serverCheckCmd)
}
