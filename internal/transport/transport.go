// Package transport выполняет команды на сервере с контейнером AmneziaWG:
// локально через sh или удаленно через SSH.
package transport

import (
	"context"
	"strings"

	"github.com/ilokitv/awgbot/internal/models"
)

// Result результат выполнения команды. Ненулевой код возврата не считается ошибкой транспорта.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK сообщает об успешном завершении команды
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Output возвращает stdout без пробельных символов по краям
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// CommandRunner выполняет shell-команду на сервере
type CommandRunner interface {
	Exec(ctx context.Context, server models.Server, command string) (Result, error)
}

// Uploader записывает файл на сервер (вне контейнера)
type Uploader interface {
	Upload(ctx context.Context, server models.Server, path string, data []byte) error
}

// Transport объединяет выполнение команд и загрузку файлов
type Transport interface {
	CommandRunner
	Uploader
}

// Router выбирает локальный или SSH транспорт по Server.IsRemote
type Router struct {
	Local  Transport
	Remote Transport
}

// NewRouter создает маршрутизатор транспорта
func NewRouter(local, remote Transport) *Router {
	return &Router{Local: local, Remote: remote}
}

func (r *Router) pick(server models.Server) Transport {
	if server.IsRemote {
		return r.Remote
	}
	return r.Local
}

func (r *Router) Exec(ctx context.Context, server models.Server, command string) (Result, error) {
	return r.pick(server).Exec(ctx, server, command)
}

func (r *Router) Upload(ctx context.Context, server models.Server, path string, data []byte) error {
	return r.pick(server).Upload(ctx, server, path, data)
}

// Forget закрывает кэшированное соединение с сервером, если удаленный транспорт их держит
func (r *Router) Forget(serverID string) {
	if f, ok := r.Remote.(interface{ Forget(string) }); ok {
		f.Forget(serverID)
	}
}

// Close закрывает все соединения
func (r *Router) Close() error {
	if c, ok := r.Remote.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Quote экранирует аргумент для sh в одинарных кавычках
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
