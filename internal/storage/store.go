// Package storage хранит каталог серверов, клиентов, трафик и историю подключений.
//
// Две реализации: JSON (файлы в data_dir, по умолчанию) и Postgres (sqlx).
package storage

import (
	"context"
	"errors"

	"github.com/ilokitv/awgbot/internal/models"
)

// ErrNotFound возвращается, когда запись отсутствует
var ErrNotFound = errors.New("record not found")

// ServerStore каталог серверов и активный сервер
type ServerStore interface {
	ListServers(ctx context.Context) ([]models.Server, error)
	// SaveServer добавляет или заменяет сервер
	SaveServer(ctx context.Context, server models.Server) error
	// DeleteServer удаляет сервер вместе с клиентами, трафиком и подключениями.
	// Если сервер был активным, активный сервер сбрасывается.
	DeleteServer(ctx context.Context, id string) error
	// ActiveServerID возвращает "" если активный сервер не выбран
	ActiveServerID(ctx context.Context) (string, error)
	SetActiveServerID(ctx context.Context, id string) error
}

// CredentialStore записи о выданных клиентах
type CredentialStore interface {
	GetCredential(ctx context.Context, serverID, name string) (models.Credential, error)
	// ListCredentials возвращает клиентов сервера, или всех при пустом serverID
	ListCredentials(ctx context.Context, serverID string) ([]models.Credential, error)
	SaveCredential(ctx context.Context, cred models.Credential) error
	// DeleteCredential не возвращает ошибку для отсутствующей записи
	DeleteCredential(ctx context.Context, serverID, name string) error
}

// TrafficStore накопленный трафик
type TrafficStore interface {
	GetTraffic(ctx context.Context, serverID, name string) (models.TrafficRecord, error)
	SaveTraffic(ctx context.Context, record models.TrafficRecord) error
	DeleteTraffic(ctx context.Context, serverID, name string) error
}

// ConnectionStore история IP-адресов клиента
type ConnectionStore interface {
	// RecordConnection запоминает IP при первом появлении и хранит не более
	// models.MaxConnections самых новых записей
	RecordConnection(ctx context.Context, serverID, name string, conn models.Connection) error
	ListConnections(ctx context.Context, serverID, name string) ([]models.Connection, error)
	DeleteConnections(ctx context.Context, serverID, name string) error
}

// Store полный набор операций хранилища
type Store interface {
	ServerStore
	CredentialStore
	TrafficStore
	ConnectionStore
	Close() error
}
