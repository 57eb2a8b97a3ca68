// Package registry хранит каталог серверов и текущий активный сервер.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/storage"
)

// Registry каталог серверов. Единственный владелец активного сервера.
type Registry struct {
	store       storage.ServerStore
	profilesDir string
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	servers map[string]models.Server
	active  string
}

// New загружает каталог из хранилища
func New(ctx context.Context, store storage.ServerStore, profilesDir string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:       store,
		profilesDir: profilesDir,
		logger:      logger,
		now:         time.Now,
		servers:     make(map[string]models.Server),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload перечитывает серверы и активный сервер из хранилища.
// Каталог меняют и другие процессы: команды CLI работают с тем же хранилищем, что и демон.
func (r *Registry) Reload(ctx context.Context) error {
	list, err := r.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load servers: %w", err)
	}
	active, err := r.store.ActiveServerID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active server: %w", err)
	}

	servers := make(map[string]models.Server, len(list))
	for _, s := range list {
		servers[s.ID] = s
	}
	if _, ok := servers[active]; !ok {
		active = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != active && len(r.servers) > 0 {
		r.logger.Info("Активный сервер изменен в хранилище", "from", r.active, "to", active)
	}
	r.servers = servers
	r.active = active
	return nil
}

// Add регистрирует новый сервер
func (r *Registry) Add(ctx context.Context, server models.Server) (models.Server, error) {
	if !models.ValidIdentifier(server.ID) {
		return models.Server{}, fmt.Errorf("%w: %q", models.ErrInvalidIdentifier, server.ID)
	}
	if server.Port == 0 {
		server.Port = models.DefaultSSHPort
	}
	if server.Container == "" {
		server.Container = models.DefaultContainer
	}
	if server.ConfigPath == "" {
		server.ConfigPath = models.DefaultConfigPath
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[server.ID]; ok {
		return models.Server{}, fmt.Errorf("%w: %s", models.ErrDuplicateServer, server.ID)
	}
	if err := r.store.SaveServer(ctx, server); err != nil {
		return models.Server{}, fmt.Errorf("failed to save server: %w", err)
	}
	r.servers[server.ID] = server
	r.logger.Info("Сервер добавлен", "server", server.ID, "host", server.Host, "remote", server.IsRemote)
	return server, nil
}

// Remove удаляет сервер вместе со всеми клиентами, их трафиком, историей подключений
// и каталогом профилей. Активный сервер сбрасывается, если это был он.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownServer, id)
	}
	if err := r.store.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	delete(r.servers, id)
	if r.active == id {
		r.active = ""
	}

	if err := os.RemoveAll(filepath.Join(r.profilesDir, id)); err != nil {
		r.logger.Warn("Не удалось удалить каталог профилей", "server", id, "error", err)
	}
	r.logger.Info("Сервер удален", "server", id)
	return nil
}

// List возвращает серверы, отсортированные по ID
func (r *Registry) List() []models.Server {
	r.mu.RLock()
	out := make([]models.Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get возвращает сервер по ID
func (r *Registry) Get(id string) (models.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	if !ok {
		return models.Server{}, fmt.Errorf("%w: %s", models.ErrUnknownServer, id)
	}
	return s, nil
}

// SetActive переключает активный сервер
func (r *Registry) SetActive(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownServer, id)
	}
	if err := r.store.SetActiveServerID(ctx, id); err != nil {
		return fmt.Errorf("failed to save active server: %w", err)
	}
	r.active = id
	r.logger.Info("Активный сервер изменен", "server", id)
	return nil
}

// Active возвращает активный сервер
func (r *Registry) Active() (models.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return models.Server{}, false
	}
	s, ok := r.servers[r.active]
	return s, ok
}

// Require возвращает активный сервер или ErrNoActiveServer
func (r *Registry) Require() (models.Server, error) {
	s, ok := r.Active()
	if !ok {
		return models.Server{}, models.ErrNoActiveServer
	}
	return s, nil
}

// Bootstrap восстанавливает активный сервер при запуске.
// Если он не сохранен, выбирается первый сервер по ID.
func (r *Registry) Bootstrap(ctx context.Context) (models.Server, error) {
	if s, ok := r.Active(); ok {
		return s, nil
	}
	servers := r.List()
	if len(servers) == 0 {
		return models.Server{}, models.ErrNoServerConfigured
	}
	if err := r.SetActive(ctx, servers[0].ID); err != nil {
		return models.Server{}, err
	}
	return servers[0], nil
}
