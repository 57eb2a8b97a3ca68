// Package traffic ведет накопительный учет трафика клиентов.
//
// Счетчики бэкенда опрашиваются периодически, поэтому учет точен с точностью
// до интервала опроса: трафик между последним опросом и сбросом счетчика теряется.
// Сброс счетчика (перезапуск интерфейса) определяется по отрицательной дельте:
// такая дельта считается нулевой, а новое значение становится базой.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/storage"
)

// Meter учитывает трафик. Вызовы для одного клиента должны быть сериализованы вызывающим.
type Meter struct {
	store storage.TrafficStore
	now   func() time.Time
}

// NewMeter создает счетчик поверх хранилища
func NewMeter(store storage.TrafficStore) *Meter {
	return &Meter{store: store, now: time.Now}
}

// Read возвращает запись трафика, создавая нулевую при отсутствии
func (m *Meter) Read(ctx context.Context, serverID, name string) (models.TrafficRecord, error) {
	rec, err := m.store.GetTraffic(ctx, serverID, name)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.TrafficRecord{}, fmt.Errorf("failed to read traffic: %w", err)
	}

	rec = models.TrafficRecord{CredentialName: name, ServerID: serverID, UpdatedAt: m.now()}
	if err := m.store.SaveTraffic(ctx, rec); err != nil {
		return models.TrafficRecord{}, fmt.Errorf("failed to init traffic: %w", err)
	}
	return rec, nil
}

// Update учитывает новое наблюдение счетчиков бэкенда
func (m *Meter) Update(ctx context.Context, serverID, name string, in, out int64) (models.TrafficRecord, error) {
	rec, err := m.Read(ctx, serverID, name)
	if err != nil {
		return models.TrafficRecord{}, err
	}

	rec.TotalIncoming += clampDelta(in, rec.LastIncoming)
	rec.TotalOutgoing += clampDelta(out, rec.LastOutgoing)
	rec.LastIncoming = in
	rec.LastOutgoing = out
	rec.UpdatedAt = m.now()

	if err := m.store.SaveTraffic(ctx, rec); err != nil {
		return models.TrafficRecord{}, fmt.Errorf("failed to save traffic: %w", err)
	}
	return rec, nil
}

// Delete удаляет запись трафика
func (m *Meter) Delete(ctx context.Context, serverID, name string) error {
	if err := m.store.DeleteTraffic(ctx, serverID, name); err != nil {
		return fmt.Errorf("failed to delete traffic: %w", err)
	}
	return nil
}

func clampDelta(observed, last int64) int64 {
	if d := observed - last; d > 0 {
		return d
	}
	return 0
}
