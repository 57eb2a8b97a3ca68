// Package transporttest содержит поддельный транспорт для тестов.
package transporttest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/transport"
)

// Handler отвечает на команду
type Handler func(command string) (transport.Result, error)

type rule struct {
	contains string
	handler  Handler
}

// Fake отвечает на команды по первому правилу, подстрока которого входит в команду.
// Команды без правила завершаются с кодом 127.
type Fake struct {
	mu      sync.Mutex
	rules   []rule
	calls   []string
	uploads map[string][]byte
}

// New создает пустой Fake
func New() *Fake {
	return &Fake{uploads: make(map[string][]byte)}
}

// On регистрирует обработчик для команд, содержащих substr
func (f *Fake) On(substr string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{contains: substr, handler: h})
	return f
}

// Reply регистрирует фиксированный stdout
func (f *Fake) Reply(substr, stdout string) *Fake {
	return f.On(substr, func(string) (transport.Result, error) {
		return transport.Result{Stdout: stdout}, nil
	})
}

// Fail регистрирует ненулевой код возврата
func (f *Fake) Fail(substr string, code int, stderr string) *Fake {
	return f.On(substr, func(string) (transport.Result, error) {
		return transport.Result{ExitCode: code, Stderr: stderr}, nil
	})
}

// Unreachable регистрирует ошибку транспорта
func (f *Fake) Unreachable(substr string) *Fake {
	return f.On(substr, func(string) (transport.Result, error) {
		return transport.Result{}, &models.TransportError{Op: "dial", Err: context.DeadlineExceeded}
	})
}

func (f *Fake) Exec(_ context.Context, server models.Server, command string) (transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	rules := append([]rule(nil), f.rules...)
	f.mu.Unlock()

	for _, r := range rules {
		if strings.Contains(command, r.contains) {
			res, err := r.handler(command)
			var te *models.TransportError
			if errors.As(err, &te) && te.Server == "" {
				te.Server = server.ID
			}
			return res, err
		}
	}
	return transport.Result{ExitCode: 127, Stderr: "command not found"}, nil
}

func (f *Fake) Upload(_ context.Context, _ models.Server, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "upload "+path)
	f.uploads[path] = append([]byte(nil), data...)
	return nil
}

// Calls возвращает выполненные команды по порядку
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Uploads возвращает копию всех загруженных файлов
func (f *Fake) Uploads() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

// Uploaded возвращает содержимое последней загрузки по пути
func (f *Fake) Uploaded(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[path]
	return data, ok
}
