package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/service"
	"github.com/ilokitv/awgbot/internal/traffic"
	"github.com/ilokitv/awgbot/internal/vpn"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Управление клиентами на активном сервере",
}

var (
	asUser     int64
	issueDays  int
	issueLimit string
	issueOwner int64
	issueSlug  string
)

// principal администратор, либо пользователь из --as
func principal() models.Principal {
	if asUser != 0 {
		return models.Principal{ID: asUser, Admin: cfg.IsAdmin(asUser)}
	}
	return models.Principal{Admin: true}
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список клиентов",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := a.svc.ListCredentials(cmd.Context(), principal())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tOWNER\tSTATE\tEXPIRES\tLIMIT")
		for _, c := range creds {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", c.Name, c.OwnerID, c.State, expiresText(c), limitText(c))
		}
		return w.Flush()
	},
}

var clientIssueCmd = &cobra.Command{
	Use:     "issue NAME",
	Short:   "Выдать клиента",
	Example: "awgbot client issue alice_170000 --days 30 --limit \"10 GB\"",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := service.IssueParams{Name: args[0], OwnerID: issueOwner, OwnerSlug: issueSlug}
		if issueDays > 0 {
			t := time.Now().Add(time.Duration(issueDays) * 24 * time.Hour)
			params.ExpiresAt = &t
		}
		if issueLimit != "" {
			limit, err := traffic.ParseLimit(issueLimit)
			if err != nil {
				return err
			}
			params.TrafficLimit = &limit
		}

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		cred, err := a.svc.IssueCredential(cmd.Context(), principal(), params)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Клиент %s выдан на сервере %s\nКонфигурация: %s\n", cred.Name, cred.ServerID, cred.ConfigPath)
		printKey(cmd, cred)
		return nil
	},
}

var clientRevokeCmd = &cobra.Command{
	Use:   "revoke NAME",
	Short: "Отозвать клиента",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.RevokeCredential(cmd.Context(), principal(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Клиент %s отозван\n", args[0])
		return nil
	},
}

var clientShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Показать клиента, его трафик и подключения",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.svc.GetCredentialDetail(cmd.Context(), principal(), args[0])
		if err != nil {
			return err
		}
		c := d.Credential
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Клиент:     %s (%s)\n", c.Name, c.State)
		fmt.Fprintf(out, "Сервер:     %s\n", c.ServerID)
		fmt.Fprintf(out, "Владелец:   %d\n", c.OwnerID)
		fmt.Fprintf(out, "Создан:     %s\n", c.CreatedAt.Format(time.DateTime))
		fmt.Fprintf(out, "Истекает:   %s\n", expiresText(c))
		fmt.Fprintf(out, "Лимит:      %s\n", limitText(c))
		fmt.Fprintf(out, "Входящий:   %s\n", traffic.FormatBytes(d.Traffic.TotalIncoming))
		fmt.Fprintf(out, "Исходящий:  %s\n", traffic.FormatBytes(d.Traffic.TotalOutgoing))
		printKey(cmd, c)
		if len(d.Connections) == 0 {
			return nil
		}

		fmt.Fprintln(out, "\nПодключения:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, conn := range d.Connections {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", conn.IP, conn.ISP, humanize.Time(conn.SeenAt))
		}
		return w.Flush()
	},
}

// printKey печатает ключ vpn:// для импорта в AmneziaVPN, если он сохранен рядом с конфигурацией
func printKey(cmd *cobra.Command, c models.Credential) {
	if c.ConfigPath == "" {
		return
	}
	key, err := vpn.ReadKey(c.ConfigPath)
	if err != nil {
		logger.Warn("Не удалось прочитать ключ клиента", "client", c.Name, "error", err)
		return
	}
	if key != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Ключ AmneziaVPN:\n%s\n", key)
	}
}

func expiresText(c models.Credential) string {
	if c.ExpiresAt == nil {
		return "бессрочно"
	}
	return c.ExpiresAt.Local().Format(time.DateTime) + " (" + humanize.Time(*c.ExpiresAt) + ")"
}

func limitText(c models.Credential) string {
	if c.TrafficLimit == nil {
		return "без ограничений"
	}
	return traffic.FormatBytes(*c.TrafficLimit)
}

func init() {
	clientCmd.PersistentFlags().Int64Var(&asUser, "as", 0, "выполнить от имени пользователя Telegram с этим ID")

	f := clientIssueCmd.Flags()
	f.IntVar(&issueDays, "days", 30, "срок действия в днях, 0 - бессрочно")
	f.StringVar(&issueLimit, "limit", "", "лимит трафика, например \"10 GB\"")
	f.Int64Var(&issueOwner, "owner", 0, "ID владельца")
	f.StringVar(&issueSlug, "owner-slug", "", "каталог владельца для профилей")

	clientCmd.AddCommand(clientListCmd, clientIssueCmd, clientRevokeCmd, clientShowCmd)
}
