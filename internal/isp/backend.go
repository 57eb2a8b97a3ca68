package isp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/storage"
)

// FileBackend хранит кэш в JSON-файле (isp_cache.json). Каждое изменение перечитывает файл
// под flock, поэтому записи других процессов не теряются.
type FileBackend struct {
	Path string

	mu sync.Mutex
}

// NewFileBackend создает файловое хранилище кэша
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (b *FileBackend) Load(_ context.Context) (map[string]models.ISPEntry, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]models.ISPEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read isp cache: %w", err)
	}
	entries := map[string]models.ISPEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode isp cache: %w", err)
	}
	return entries, nil
}

// update применяет fn к содержимому файла. Поврежденный файл заменяется.
func (b *FileBackend) update(ctx context.Context, fn func(map[string]models.ISPEntry)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fl := flock.New(b.Path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock isp cache: %w", err)
	}
	defer fl.Unlock()

	entries, err := b.Load(ctx)
	if err != nil {
		entries = map[string]models.ISPEntry{}
	}
	fn(entries)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode isp cache: %w", err)
	}
	return storage.WriteFileAtomic(b.Path, data, 0o640)
}

func (b *FileBackend) Put(ctx context.Context, ip string, entry models.ISPEntry) error {
	return b.update(ctx, func(entries map[string]models.ISPEntry) {
		entries[ip] = entry
	})
}

func (b *FileBackend) Delete(ctx context.Context, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	return b.update(ctx, func(entries map[string]models.ISPEntry) {
		for _, ip := range ips {
			delete(entries, ip)
		}
	})
}

// RedisBackend хранит кэш в хэше Redis: поле - IP, значение - JSON записи.
// Запись и удаление затрагивают только свои поля, поэтому несколько процессов делят один кэш.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
}

// NewRedisBackend создает хранилище кэша в Redis
func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Load(ctx context.Context) (map[string]models.ISPEntry, error) {
	raw, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load isp cache from redis: %w", err)
	}
	entries := make(map[string]models.ISPEntry, len(raw))
	for ip, v := range raw {
		var e models.ISPEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			// поврежденное поле пропускаем, остальные записи пригодны
			continue
		}
		entries[ip] = e
	}
	return entries, nil
}

func (b *RedisBackend) Put(ctx context.Context, ip string, entry models.ISPEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode isp entry: %w", err)
	}
	if err := b.client.HSet(ctx, b.key, ip, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to save isp entry to redis: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	if err := b.client.HDel(ctx, b.key, ips...).Err(); err != nil {
		return fmt.Errorf("failed to delete isp entries from redis: %w", err)
	}
	return nil
}
