package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/traffic"
)

// connectionWindow подключение фиксируется, если последнее рукопожатие было не раньше
const connectionWindow = time.Minute

// CollectTraffic выполняет один цикл учета трафика на активном сервере.
// Пиры без записи клиента учитываются, но не отзываются.
func (m *Manager) CollectTraffic(ctx context.Context) error {
	// Активный сервер мог смениться командой CLI
	if err := m.servers.Reload(ctx); err != nil {
		m.logger.Warn("Не удалось перечитать каталог серверов", "error", err)
	}
	server, ok := m.servers.Active()
	if !ok {
		return models.ErrNoActiveServer
	}

	peers, err := m.backend.ListActive(ctx, server)
	if err != nil {
		return fmt.Errorf("failed to list peers on %s: %w", server.ID, err)
	}

	creds, err := m.store.ListCredentials(ctx, server.ID)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}
	known := make(map[string]models.Credential, len(creds))
	for _, c := range creds {
		known[c.Name] = c
	}

	var errs []error
	for _, peer := range peers {
		rec, err := m.meterPeer(ctx, server.ID, peer)
		if err != nil {
			m.logger.Warn("Ошибка учета трафика", "server", server.ID, "client", peer.Name, "error", err)
			errs = append(errs, err)
			continue
		}

		cred, ok := known[peer.Name]
		if !ok {
			m.logger.Debug("Пир без записи клиента", "server", server.ID, "client", peer.Name)
			continue
		}
		if _, err := m.CheckLimit(ctx, cred, rec); err != nil {
			m.logger.Error("Ошибка отзыва по лимиту", "server", server.ID, "client", peer.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) meterPeer(ctx context.Context, serverID string, peer models.Peer) (models.TrafficRecord, error) {
	in, out, err := traffic.ParseTransfer(peer.Transfer)
	if err != nil {
		return models.TrafficRecord{}, err
	}

	unlock := m.locks.Lock(models.CredentialKey(serverID, peer.Name))
	defer unlock()

	rec, err := m.meter.Update(ctx, serverID, peer.Name, in, out)
	if err != nil {
		return models.TrafficRecord{}, err
	}

	if ip, ok := recentEndpoint(peer); ok {
		conn := models.Connection{IP: ip, SeenAt: m.now().UTC()}
		if err := m.store.RecordConnection(ctx, serverID, peer.Name, conn); err != nil {
			m.logger.Warn("Не удалось сохранить подключение", "server", serverID, "client", peer.Name, "error", err)
		}
	}
	return rec, nil
}

// recentEndpoint возвращает IP пира, если рукопожатие было в пределах connectionWindow
func recentEndpoint(peer models.Peer) (string, bool) {
	age, ok := traffic.ParseHandshakeAge(peer.LatestHandshake)
	if !ok || age > connectionWindow {
		return "", false
	}
	host, _, err := net.SplitHostPort(peer.Endpoint)
	if err != nil || net.ParseIP(host) == nil {
		return "", false
	}
	return host, true
}
