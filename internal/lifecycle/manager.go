// Package lifecycle выдает, учитывает и отзывает VPN-клиентов.
//
// Все изменения одного клиента сериализуются мьютексом по ключу server/name.
// Отзыв идемпотентен: его одновременно вызывают таймер истечения срока,
// проверка лимита трафика и администратор.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/notify"
	"github.com/ilokitv/awgbot/internal/storage"
	"github.com/ilokitv/awgbot/internal/traffic"
)

// PeerBackend создает и удаляет пиров на VPN-сервере
type PeerBackend interface {
	ListActive(ctx context.Context, server models.Server) ([]models.Peer, error)
	// Create возвращает путь к клиентской конфигурации
	Create(ctx context.Context, server models.Server, name, ownerSlug string) (string, error)
	// Delete возвращает false, если пира на сервере нет
	Delete(ctx context.Context, server models.Server, name string) (bool, error)
}

// Scheduler планировщик отзыва по сроку действия
type Scheduler interface {
	Schedule(ctx context.Context, cred models.Credential)
	Cancel(key string)
	Rebuild(ctx context.Context, creds []models.Credential)
	Sync(ctx context.Context, creds []models.Credential)
}

// Servers источник серверов. Каталог может устареть: его меняют и другие процессы.
type Servers interface {
	Get(id string) (models.Server, error)
	Active() (models.Server, bool)
	// Reload перечитывает каталог из хранилища
	Reload(ctx context.Context) error
}

// Reason причина отзыва
type Reason int

const (
	ReasonManual Reason = iota
	ReasonExpired
	ReasonOverLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "истек срок действия"
	case ReasonOverLimit:
		return "превышен лимит трафика"
	default:
		return "отозван вручную"
	}
}

func (r Reason) state() models.State {
	switch r {
	case ReasonExpired:
		return models.StateExpired
	case ReasonOverLimit:
		return models.StateOverLimit
	default:
		return models.StateRevoked
	}
}

// IssueRequest параметры выдачи клиента
type IssueRequest struct {
	Name         string
	OwnerID      int64
	OwnerSlug    string
	ServerID     string
	ExpiresAt    *time.Time
	TrafficLimit *int64
}

// Detail клиент вместе с трафиком и историей подключений
type Detail struct {
	Credential  models.Credential
	Traffic     models.TrafficRecord
	Connections []models.Connection
}

// Deps зависимости менеджера
type Deps struct {
	Store       storage.Store
	Backend     PeerBackend
	Servers     Servers
	Scheduler   Scheduler
	Notifier    notify.Notifier
	ProfilesDir string
	Logger      *slog.Logger
}

// Manager управляет жизненным циклом клиентов
type Manager struct {
	store       storage.Store
	meter       *traffic.Meter
	backend     PeerBackend
	servers     Servers
	sched       Scheduler
	notifier    notify.Notifier
	profilesDir string
	logger      *slog.Logger
	now         func() time.Time
	locks       *keyedMutex
}

// New создает менеджера
func New(d Deps) *Manager {
	n := d.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Manager{
		store:       d.Store,
		meter:       traffic.NewMeter(d.Store),
		backend:     d.Backend,
		servers:     d.Servers,
		sched:       d.Scheduler,
		notifier:    n,
		profilesDir: d.ProfilesDir,
		logger:      d.Logger,
		now:         time.Now,
		locks:       newKeyedMutex(),
	}
}

// Issue выдает нового клиента на сервере
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (models.Credential, error) {
	if !models.ValidIdentifier(req.Name) {
		return models.Credential{}, fmt.Errorf("%w: %q", models.ErrInvalidIdentifier, req.Name)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(m.now()) {
		return models.Credential{}, fmt.Errorf("expiration time %s is in the past", req.ExpiresAt.Format(time.RFC3339))
	}
	server, err := m.server(ctx, req.ServerID)
	if err != nil {
		return models.Credential{}, err
	}

	cred, err := m.issueLocked(ctx, server, req)
	if err != nil {
		return models.Credential{}, err
	}

	m.logger.Info("Клиент выдан", "server", cred.ServerID, "client", cred.Name, "owner", cred.OwnerID)
	// Таймер ставится без мьютекса клиента: просроченный клиент отзывается прямо в Schedule
	m.sched.Schedule(ctx, cred)

	// Клиента могли отозвать до постановки таймера
	unlock := m.locks.Lock(cred.Key())
	if _, err := m.store.GetCredential(ctx, cred.ServerID, cred.Name); errors.Is(err, storage.ErrNotFound) {
		m.sched.Cancel(cred.Key())
	}
	unlock()
	return cred, nil
}

// server ищет сервер в каталоге. При промахе каталог перечитывается:
// сервер мог добавить другой процесс.
func (m *Manager) server(ctx context.Context, id string) (models.Server, error) {
	s, err := m.servers.Get(id)
	if !errors.Is(err, models.ErrUnknownServer) {
		return s, err
	}
	if err := m.servers.Reload(ctx); err != nil {
		return models.Server{}, fmt.Errorf("failed to reload servers: %w", err)
	}
	return m.servers.Get(id)
}

func (m *Manager) issueLocked(ctx context.Context, server models.Server, req IssueRequest) (models.Credential, error) {
	unlock := m.locks.Lock(models.CredentialKey(server.ID, req.Name))
	defer unlock()

	_, err := m.store.GetCredential(ctx, server.ID, req.Name)
	if err == nil {
		return models.Credential{}, fmt.Errorf("%w: %s on %s", models.ErrDuplicateCredential, req.Name, server.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Credential{}, fmt.Errorf("failed to check credential: %w", err)
	}

	cred := models.Credential{
		Name:         req.Name,
		OwnerID:      req.OwnerID,
		OwnerSlug:    req.OwnerSlug,
		ServerID:     server.ID,
		ExpiresAt:    req.ExpiresAt,
		TrafficLimit: req.TrafficLimit,
		State:        models.StateProvisioning,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return models.Credential{}, fmt.Errorf("failed to save credential: %w", err)
	}

	path, err := m.backend.Create(ctx, server, cred.Name, cred.OwnerSlug)
	if err != nil {
		m.rollback(ctx, cred)
		return models.Credential{}, fmt.Errorf("failed to create peer: %w", err)
	}

	if err := cred.Transition(models.StateActive); err != nil {
		return models.Credential{}, err
	}
	cred.ConfigPath = path
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		if _, derr := m.backend.Delete(ctx, server, cred.Name); derr != nil {
			m.logger.Error("Не удалось удалить пира после ошибки сохранения", "server", server.ID, "client", cred.Name, "error", derr)
		}
		m.rollback(ctx, cred)
		return models.Credential{}, fmt.Errorf("failed to save credential: %w", err)
	}

	if _, err := m.meter.Read(ctx, server.ID, cred.Name); err != nil {
		// запись будет создана при первом опросе
		m.logger.Warn("Не удалось создать запись трафика", "server", server.ID, "client", cred.Name, "error", err)
	}
	return cred, nil
}

func (m *Manager) rollback(ctx context.Context, cred models.Credential) {
	if err := m.store.DeleteCredential(ctx, cred.ServerID, cred.Name); err != nil {
		m.logger.Error("Не удалось откатить запись клиента", "server", cred.ServerID, "client", cred.Name, "error", err)
	}
}

// CheckLimit отзывает клиента, если его трафик достиг лимита. Возвращает true при отзыве.
func (m *Manager) CheckLimit(ctx context.Context, cred models.Credential, rec models.TrafficRecord) (bool, error) {
	if cred.TrafficLimit == nil || rec.Total() < *cred.TrafficLimit {
		return false, nil
	}
	m.logger.Info("Превышен лимит трафика", "server", cred.ServerID, "client", cred.Name,
		"total", rec.Total(), "limit", *cred.TrafficLimit)
	if err := m.Revoke(ctx, cred.ServerID, cred.Name, ReasonOverLimit); err != nil {
		return false, err
	}
	return true, nil
}

// Revoke отзывает клиента. Отсутствующий клиент не является ошибкой.
// При сбое транспорта запись сохраняется для повторной попытки.
func (m *Manager) Revoke(ctx context.Context, serverID, name string, reason Reason) error {
	key := models.CredentialKey(serverID, name)
	unlock := m.locks.Lock(key)

	cred, err := m.store.GetCredential(ctx, serverID, name)
	if errors.Is(err, storage.ErrNotFound) {
		unlock()
		m.sched.Cancel(key)
		return nil
	}
	if err != nil {
		unlock()
		return fmt.Errorf("failed to load credential: %w", err)
	}

	m.sched.Cancel(key)

	if st := reason.state(); st != models.StateRevoked && models.CanTransition(cred.State, st) {
		_ = cred.Transition(st)
		if err := m.store.SaveCredential(ctx, cred); err != nil {
			m.logger.Warn("Не удалось сохранить состояние клиента", "server", serverID, "client", name, "error", err)
		}
	}

	total, err := m.removePeer(ctx, cred)
	unlock()
	if err != nil {
		return err
	}

	m.logger.Info("Клиент отозван", "server", serverID, "client", name, "reason", reason.String())
	text := fmt.Sprintf("Клиент %s на сервере %s отозван: %s. Трафик: %s",
		name, serverID, reason, traffic.FormatBytes(total))
	if err := m.notifier.Notify(ctx, text); err != nil {
		m.logger.Warn("Не удалось отправить уведомление", "server", serverID, "client", name, "error", err)
	}
	return nil
}

// removePeer удаляет пира на сервере и все локальные записи клиента.
// Вызывается под мьютексом клиента. Возвращает накопленный трафик.
func (m *Manager) removePeer(ctx context.Context, cred models.Credential) (int64, error) {
	server, err := m.server(ctx, cred.ServerID)
	switch {
	case errors.Is(err, models.ErrUnknownServer):
		// сервера нет и в хранилище, остались только локальные записи
	case err != nil:
		return 0, err
	default:
		found, err := m.backend.Delete(ctx, server, cred.Name)
		if err != nil {
			return 0, fmt.Errorf("failed to delete peer %s: %w", cred.Key(), err)
		}
		if !found {
			m.logger.Info("Пир уже отсутствует на сервере", "server", cred.ServerID, "client", cred.Name)
		}
	}

	var total int64
	if rec, err := m.store.GetTraffic(ctx, cred.ServerID, cred.Name); err == nil {
		total = rec.Total()
	}
	if err := m.meter.Delete(ctx, cred.ServerID, cred.Name); err != nil {
		return 0, err
	}
	if err := m.store.DeleteConnections(ctx, cred.ServerID, cred.Name); err != nil {
		return 0, fmt.Errorf("failed to delete connections: %w", err)
	}
	m.removeProfile(cred)

	_ = cred.Transition(models.StateRevoked)
	if err := m.store.DeleteCredential(ctx, cred.ServerID, cred.Name); err != nil {
		return 0, fmt.Errorf("failed to delete credential: %w", err)
	}
	return total, nil
}

func (m *Manager) removeProfile(cred models.Credential) {
	dir := models.ProfileDir(m.profilesDir, cred.ServerID, cred.OwnerSlug, cred.Name)
	if cred.ConfigPath != "" {
		dir = filepath.Dir(cred.ConfigPath)
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("Не удалось удалить каталог профиля", "server", cred.ServerID, "client", cred.Name, "error", err)
	}
}

// Expire вызывается планировщиком. Перед отзывом срок проверяется по сохраненной записи:
// он мог быть продлен.
func (m *Manager) Expire(ctx context.Context, cred models.Credential) {
	current, err := m.store.GetCredential(ctx, cred.ServerID, cred.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Error("Не удалось загрузить клиента", "server", cred.ServerID, "client", cred.Name, "error", err)
		return
	}
	if !current.Expired(m.now()) {
		m.sched.Schedule(ctx, current)
		return
	}
	if err := m.Revoke(ctx, cred.ServerID, cred.Name, ReasonExpired); err != nil {
		m.logger.Error("Ошибка отзыва клиента", "server", cred.ServerID, "client", cred.Name, "error", err)
	}
}

// RevokeAs отзывает клиента от имени принципала
func (m *Manager) RevokeAs(ctx context.Context, p models.Principal, serverID, name string) error {
	cred, err := m.store.GetCredential(ctx, serverID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if !p.CanAccess(cred) {
		return models.ErrForbidden
	}
	return m.Revoke(ctx, serverID, name, ReasonManual)
}

// DetailAs возвращает клиента с трафиком и подключениями
func (m *Manager) DetailAs(ctx context.Context, p models.Principal, serverID, name string) (Detail, error) {
	cred, err := m.store.GetCredential(ctx, serverID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return Detail{}, fmt.Errorf("%w: %s", models.ErrUnknownCredential, models.CredentialKey(serverID, name))
	}
	if err != nil {
		return Detail{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if !p.CanAccess(cred) {
		return Detail{}, models.ErrForbidden
	}

	rec, err := m.store.GetTraffic(ctx, serverID, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Detail{}, fmt.Errorf("failed to load traffic: %w", err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		rec = models.TrafficRecord{CredentialName: name, ServerID: serverID}
	}
	conns, err := m.store.ListConnections(ctx, serverID, name)
	if err != nil {
		return Detail{}, fmt.Errorf("failed to load connections: %w", err)
	}
	return Detail{Credential: cred, Traffic: rec, Connections: conns}, nil
}

// List возвращает клиентов сервера; owner ограничивает выборку клиентами владельца
func (m *Manager) List(ctx context.Context, serverID string, owner *int64) ([]models.Credential, error) {
	creds, err := m.store.ListCredentials(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if owner == nil {
		return creds, nil
	}
	out := creds[:0]
	for _, c := range creds {
		if c.OwnerID == *owner {
			out = append(out, c)
		}
	}
	return out, nil
}

// PurgeServer снимает таймеры и удаляет локальные записи всех клиентов сервера.
// Пиры на сервере не трогаются.
func (m *Manager) PurgeServer(ctx context.Context, serverID string) (int, error) {
	creds, err := m.store.ListCredentials(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, c := range creds {
		if err := m.purge(ctx, c); err != nil {
			return 0, err
		}
	}
	return len(creds), nil
}

func (m *Manager) purge(ctx context.Context, cred models.Credential) error {
	unlock := m.locks.Lock(cred.Key())
	defer unlock()

	m.sched.Cancel(cred.Key())
	if err := m.meter.Delete(ctx, cred.ServerID, cred.Name); err != nil {
		return err
	}
	if err := m.store.DeleteConnections(ctx, cred.ServerID, cred.Name); err != nil {
		return fmt.Errorf("failed to delete connections: %w", err)
	}
	if err := m.store.DeleteCredential(ctx, cred.ServerID, cred.Name); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// RebuildSchedule восстанавливает таймеры при запуске: просроченные клиенты отзываются первыми
func (m *Manager) RebuildSchedule(ctx context.Context) error {
	creds, err := m.store.ListCredentials(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}
	m.retryOverLimit(ctx, creds)
	m.sched.Rebuild(ctx, schedulable(creds))
	return nil
}

// Reconcile сверяет таймеры с сохраненными записями и повторяет незавершенные отзывы
func (m *Manager) Reconcile(ctx context.Context) error {
	creds, err := m.store.ListCredentials(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}
	m.retryOverLimit(ctx, creds)
	m.sched.Sync(ctx, schedulable(creds))
	return nil
}

func (m *Manager) retryOverLimit(ctx context.Context, creds []models.Credential) {
	for _, c := range creds {
		if c.State != models.StateOverLimit {
			continue
		}
		if err := m.Revoke(ctx, c.ServerID, c.Name, ReasonOverLimit); err != nil {
			m.logger.Warn("Повторный отзыв не удался", "server", c.ServerID, "client", c.Name, "error", err)
		}
	}
}

func schedulable(creds []models.Credential) []models.Credential {
	out := make([]models.Credential, 0, len(creds))
	for _, c := range creds {
		if c.State == models.StateActive || c.State == models.StateExpired {
			out = append(out, c)
		}
	}
	return out
}
