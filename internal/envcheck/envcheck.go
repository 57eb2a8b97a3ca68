// Package envcheck проверяет, что на сервере запущен контейнер AmneziaWG и есть его конфигурация.
package envcheck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/transport"
)

// Status результат проверки окружения
type Status struct {
	Ready  bool
	Reason string
}

func notReady(format string, args ...any) Status {
	return Status{Reason: fmt.Sprintf(format, args...)}
}

// Validator проверяет окружение сервера
type Validator struct {
	runner transport.CommandRunner
	logger *slog.Logger
}

// New создает валидатор
func New(runner transport.CommandRunner, logger *slog.Logger) *Validator {
	return &Validator{runner: runner, logger: logger}
}

// Validate проверяет, что контейнер запущен и файл конфигурации в нем существует.
// Сбой транспорта возвращается как ошибка вместе со статусом NotReady.
func (v *Validator) Validate(ctx context.Context, server models.Server) (Status, error) {
	container := server.Container
	if container == "" {
		container = models.DefaultContainer
	}
	configPath := server.ConfigPath
	if configPath == "" {
		configPath = models.DefaultConfigPath
	}

	cmd := fmt.Sprintf("docker ps --filter name=%s --format '{{.Names}}'", transport.Quote(container))
	res, err := v.runner.Exec(ctx, server, cmd)
	if err != nil {
		return notReady("docker is unreachable"), err
	}
	if !res.OK() {
		return notReady("docker ps failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	if !containerListed(res.Stdout, container) {
		v.logger.Warn("Контейнер не запущен", "server", server.ID, "container", container)
		return notReady("container %s is not running", container), nil
	}

	cmd = fmt.Sprintf("docker exec %s test -f %s", transport.Quote(container), transport.Quote(configPath))
	res, err = v.runner.Exec(ctx, server, cmd)
	if err != nil {
		return notReady("docker is unreachable"), err
	}
	if !res.OK() {
		v.logger.Warn("Файл конфигурации не найден", "server", server.ID, "config", configPath)
		return notReady("config file %s not found in container %s", configPath, container), nil
	}

	return Status{Ready: true}, nil
}

// containerListed ищет точное имя: фильтр docker ps срабатывает и на подстроку
func containerListed(output, container string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == container {
			return true
		}
	}
	return false
}
