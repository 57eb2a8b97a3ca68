// Package scheduler отзывает клиентов по истечении срока и запускает периодические задачи.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
)

// ExpireFunc вызывается, когда срок клиента истек
type ExpireFunc func(ctx context.Context, cred models.Credential)

type timerEntry struct {
	timer  *time.Timer
	fireAt time.Time
}

// Expirations держит не более одного таймера на клиента.
// Таймеры живут только в памяти и восстанавливаются через Rebuild при старте.
type Expirations struct {
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	onFire  ExpireFunc
	timers  map[string]*timerEntry
	stopped bool
}

// NewExpirations создает планировщик. Обработчик задается через SetHandler.
func NewExpirations(logger *slog.Logger) *Expirations {
	ctx, cancel := context.WithCancel(context.Background())
	return &Expirations{
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*timerEntry),
	}
}

// SetHandler задает функцию отзыва
func (s *Expirations) SetHandler(fn ExpireFunc) {
	s.mu.Lock()
	s.onFire = fn
	s.mu.Unlock()
}

func (s *Expirations) handler() ExpireFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onFire
}

func (s *Expirations) expire(ctx context.Context, cred models.Credential) {
	fn := s.handler()
	if fn == nil {
		s.logger.Error("Обработчик истечения срока не задан", "server", cred.ServerID, "client", cred.Name)
		return
	}
	fn(ctx, cred)
}

// Schedule планирует отзыв. Просроченный клиент отзывается сразу, в вызывающей горутине.
// Клиент без срока действия снимается с расписания.
func (s *Expirations) Schedule(ctx context.Context, cred models.Credential) {
	key := cred.Key()
	if cred.ExpiresAt == nil {
		s.Cancel(key)
		return
	}
	if cred.Expired(s.now()) {
		s.Cancel(key)
		s.logger.Info("Срок действия истек, отзыв", "server", cred.ServerID, "client", cred.Name)
		s.expire(ctx, cred)
		return
	}
	s.arm(cred)
}

// arm ставит таймер, заменяя существующий
func (s *Expirations) arm(cred models.Credential) {
	key := cred.Key()
	fireAt := *cred.ExpiresAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	e := &timerEntry{fireAt: fireAt}
	s.timers[key] = e
	e.timer = time.AfterFunc(fireAt.Sub(s.now()), func() { s.fire(key, e, cred) })
	s.logger.Debug("Отзыв запланирован", "server", cred.ServerID, "client", cred.Name, "at", fireAt)
}

func (s *Expirations) fire(key string, e *timerEntry, cred models.Credential) {
	s.mu.Lock()
	current, ok := s.timers[key]
	if !ok || current != e || s.stopped {
		// таймер был отменен или заменен
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	s.logger.Info("Срок действия истек, отзыв", "server", cred.ServerID, "client", cred.Name)
	s.expire(s.ctx, cred)
}

// Cancel снимает таймер клиента. Безопасен при отсутствии таймера.
func (s *Expirations) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[key]; ok {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// Rebuild сбрасывает все таймеры, сначала отзывает всех просроченных клиентов,
// затем ставит таймеры остальным.
func (s *Expirations) Rebuild(ctx context.Context, creds []models.Credential) {
	s.mu.Lock()
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.apply(ctx, creds)
}

// Sync приводит расписание к переданному набору клиентов: ставит недостающие таймеры,
// переставляет измененные и снимает таймеры клиентов, которых больше нет.
func (s *Expirations) Sync(ctx context.Context, creds []models.Credential) {
	want := make(map[string]struct{}, len(creds))
	var changed []models.Credential
	s.mu.Lock()
	for _, c := range creds {
		if c.ExpiresAt == nil {
			continue
		}
		key := c.Key()
		want[key] = struct{}{}
		if e, ok := s.timers[key]; !ok || !e.fireAt.Equal(*c.ExpiresAt) {
			changed = append(changed, c)
		}
	}
	for key, e := range s.timers {
		if _, ok := want[key]; !ok {
			e.timer.Stop()
			delete(s.timers, key)
		}
	}
	s.mu.Unlock()

	s.apply(ctx, changed)
}

func (s *Expirations) apply(ctx context.Context, creds []models.Credential) {
	now := s.now()
	var future []models.Credential
	for _, c := range creds {
		switch {
		case c.ExpiresAt == nil:
		case c.Expired(now):
			s.logger.Info("Срок действия истек, отзыв", "server", c.ServerID, "client", c.Name)
			s.expire(ctx, c)
		default:
			future = append(future, c)
		}
	}
	for _, c := range future {
		s.arm(c)
	}
}

// Pending возвращает снимок расписания, отсортированный по времени срабатывания
func (s *Expirations) Pending() []models.ScheduledRevocation {
	s.mu.Lock()
	out := make([]models.ScheduledRevocation, 0, len(s.timers))
	for key, e := range s.timers {
		out = append(out, models.ScheduledRevocation{Key: key, FireAt: e.fireAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Stop снимает все таймеры; последующие Schedule игнорируются
func (s *Expirations) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.cancel()
}
