// Package notify отправляет уведомления администраторам.
package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier отправляет текстовое уведомление администраторам
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop ничего не отправляет. Используется, когда токен бота не задан.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Sender часть tgbotapi.BotAPI, нужная для отправки сообщений
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram рассылает уведомления в чаты администраторов
type Telegram struct {
	bot      Sender
	adminIDs []int64
}

// NewTelegram подключается к Bot API по токену
func NewTelegram(token string, adminIDs []int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot, adminIDs), nil
}

// NewTelegramWithSender создает уведомитель поверх готового отправителя
func NewTelegramWithSender(bot Sender, adminIDs []int64) *Telegram {
	return &Telegram{bot: bot, adminIDs: adminIDs}
}

// Notify отправляет сообщение каждому администратору. Ошибки по отдельным чатам объединяются.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, id := range t.adminIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(id, text)
		if _, err := t.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("failed to notify admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
