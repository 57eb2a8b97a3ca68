// Package isp определяет провайдера по IP-адресу клиента и кэширует ответы на 24 часа.
package isp

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
)

// Метки, которые возвращаются вместо названия провайдера
const (
	PrivateRange = "Private Range"
	InvalidIP    = "Invalid IP"
	UnknownISP   = "Unknown ISP"
)

// DefaultTTL время жизни записи кэша
const DefaultTTL = 24 * time.Hour

// GeoLookup внешний сервис определения провайдера
type GeoLookup interface {
	Resolve(ctx context.Context, ip string) (string, error)
}

// Backend хранилище кэша. Put и Delete меняют только переданные записи.
type Backend interface {
	Load(ctx context.Context) (map[string]models.ISPEntry, error)
	Put(ctx context.Context, ip string, entry models.ISPEntry) error
	Delete(ctx context.Context, ips []string) error
}

// Cache кэш провайдеров
type Cache struct {
	backend Backend
	lookup  GeoLookup
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]models.ISPEntry

	// writeMu упорядочивает изменения кэша вместе с записью в хранилище
	writeMu sync.Mutex
}

// NewCache создает пустой кэш. Перед использованием вызовите Load.
func NewCache(backend Backend, lookup GeoLookup, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		backend: backend,
		lookup:  lookup,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]models.ISPEntry),
	}
}

// Load читает кэш из хранилища. Недоступное или поврежденное хранилище дает пустой кэш.
func (c *Cache) Load(ctx context.Context) {
	entries, err := c.backend.Load(ctx)
	if err != nil {
		c.logger.Warn("Не удалось загрузить кэш провайдеров, начинаем с пустого", "error", err)
		entries = nil
	}
	if entries == nil {
		entries = make(map[string]models.ISPEntry)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.logger.Info("Кэш провайдеров загружен", "entries", len(entries))
}

// Len количество записей в кэше
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func private(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}

// Lookup возвращает название провайдера. Частные адреса не отправляются во внешний сервис,
// ошибки сервиса не кэшируются.
func (c *Cache) Lookup(ctx context.Context, ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return InvalidIP
	}
	if private(addr) {
		return PrivateRange
	}
	key := addr.String()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.ObservedAt) < c.ttl {
		return entry.ISP
	}

	name, err := c.lookup.Resolve(ctx, key)
	if err != nil || name == "" {
		c.logger.Warn("Не удалось определить провайдера", "ip", key, "error", err)
		return UnknownISP
	}

	entry = models.ISPEntry{ISP: name, ObservedAt: c.now()}
	c.writeMu.Lock()
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	err = c.backend.Put(ctx, key, entry)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("Не удалось сохранить кэш провайдеров", "ip", key, "error", err)
	}
	return name
}

// Sweep удаляет записи старше TTL из памяти и из хранилища. Возвращает число удаленных записей.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := c.now()
	var stale []string
	c.mu.Lock()
	for ip, e := range c.entries {
		if now.Sub(e.ObservedAt) >= c.ttl {
			delete(c.entries, ip)
			stale = append(stale, ip)
		}
	}
	c.mu.Unlock()

	if err := c.backend.Delete(ctx, stale); err != nil {
		return len(stale), err
	}
	if len(stale) > 0 {
		c.logger.Info("Очистка кэша провайдеров", "removed", len(stale))
	}
	return len(stale), nil
}
