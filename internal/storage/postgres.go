package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ilokitv/awgbot/internal/config"
	"github.com/ilokitv/awgbot/internal/models"
)

// Postgres хранилище на PostgreSQL
type Postgres struct {
	*sqlx.DB
}

// serverRow плоское представление сервера для таблицы servers
type serverRow struct {
	ID          string    `db:"id"`
	Host        string    `db:"host"`
	Port        int       `db:"port"`
	Username    string    `db:"username"`
	AuthMethod  string    `db:"auth_method"`
	PasswordRef string    `db:"password_ref"`
	KeyPath     string    `db:"key_path"`
	Container   string    `db:"container"`
	ConfigPath  string    `db:"config_path"`
	Endpoint    string    `db:"endpoint"`
	IsRemote    bool      `db:"is_remote"`
	CreatedAt   time.Time `db:"created_at"`
}

func toServerRow(s models.Server) serverRow {
	return serverRow{
		ID:          s.ID,
		Host:        s.Host,
		Port:        s.Port,
		Username:    s.Username,
		AuthMethod:  string(s.Auth.Method),
		PasswordRef: s.Auth.PasswordRef,
		KeyPath:     s.Auth.KeyPath,
		Container:   s.Container,
		ConfigPath:  s.ConfigPath,
		Endpoint:    s.Endpoint,
		IsRemote:    s.IsRemote,
		CreatedAt:   s.CreatedAt,
	}
}

func (r serverRow) server() models.Server {
	return models.Server{
		ID:       r.ID,
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Auth: models.ServerAuth{
			Method:      models.AuthMethod(r.AuthMethod),
			PasswordRef: r.PasswordRef,
			KeyPath:     r.KeyPath,
		},
		Container:  r.Container,
		ConfigPath: r.ConfigPath,
		Endpoint:   r.Endpoint,
		IsRemote:   r.IsRemote,
		CreatedAt:  r.CreatedAt,
	}
}

// NewPostgres создает новое соединение с базой данных
func NewPostgres(cfg *config.DatabaseConfig) (*Postgres, error) {
	return OpenPostgres(cfg.GetConnectionString())
}

// OpenPostgres подключается по готовой строке подключения
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Проверка соединения
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db}, nil
}

// InitTables создает таблицы в базе данных, если они не существуют
func (db *Postgres) InitTables(ctx context.Context) error {
	statements := []struct {
		name  string
		query string
	}{
		{"servers", `
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			username TEXT NOT NULL DEFAULT '',
			auth_method TEXT NOT NULL DEFAULT '',
			password_ref TEXT NOT NULL DEFAULT '',
			key_path TEXT NOT NULL DEFAULT '',
			container TEXT NOT NULL,
			config_path TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			is_remote BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
		{"settings", `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`},
		{"credentials", `
		CREATE TABLE IF NOT EXISTS credentials (
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			owner_id BIGINT NOT NULL,
			owner_slug TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			traffic_limit BIGINT,
			state TEXT NOT NULL,
			config_path TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (server_id, name)
		)`},
		{"traffic", `
		CREATE TABLE IF NOT EXISTS traffic (
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			credential_name TEXT NOT NULL,
			total_incoming BIGINT NOT NULL DEFAULT 0,
			total_outgoing BIGINT NOT NULL DEFAULT 0,
			last_incoming BIGINT NOT NULL DEFAULT 0,
			last_outgoing BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (server_id, credential_name)
		)`},
		{"connections", `
		CREATE TABLE IF NOT EXISTS connections (
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			credential_name TEXT NOT NULL,
			ip TEXT NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (server_id, credential_name, ip)
		)`},
	}

	for _, st := range statements {
		if _, err := db.ExecContext(ctx, st.query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", st.name, err)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- servers ---

func (db *Postgres) ListServers(ctx context.Context) ([]models.Server, error) {
	var rows []serverRow
	if err := db.SelectContext(ctx, &rows, "SELECT * FROM servers ORDER BY id ASC"); err != nil {
		return nil, fmt.Errorf("failed to get all servers: %w", err)
	}
	servers := make([]models.Server, 0, len(rows))
	for _, r := range rows {
		servers = append(servers, r.server())
	}
	return servers, nil
}

func (db *Postgres) SaveServer(ctx context.Context, server models.Server) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO servers (id, host, port, username, auth_method, password_ref, key_path,
		container, config_path, endpoint, is_remote, created_at)
	VALUES (:id, :host, :port, :username, :auth_method, :password_ref, :key_path,
		:container, :config_path, :endpoint, :is_remote, :created_at)
	ON CONFLICT (id) DO UPDATE SET
		host = EXCLUDED.host, port = EXCLUDED.port, username = EXCLUDED.username,
		auth_method = EXCLUDED.auth_method, password_ref = EXCLUDED.password_ref,
		key_path = EXCLUDED.key_path, container = EXCLUDED.container,
		config_path = EXCLUDED.config_path, endpoint = EXCLUDED.endpoint,
		is_remote = EXCLUDED.is_remote
	`
	if _, err := db.NamedExecContext(ctx, query, toServerRow(server)); err != nil {
		return fmt.Errorf("failed to save server: %w", err)
	}
	return nil
}

// DeleteServer удаляет сервер в транзакции; зависимые записи удаляются каскадно
func (db *Postgres) DeleteServer(ctx context.Context, id string) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range []string{"connections", "traffic", "credentials"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE server_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete %s of server: %w", table, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		"DELETE FROM settings WHERE key = 'active_server' AND value = $1", id); err != nil {
		return fmt.Errorf("failed to reset active server: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *Postgres) ActiveServerID(ctx context.Context) (string, error) {
	var id string
	err := db.GetContext(ctx, &id, "SELECT value FROM settings WHERE key = 'active_server'")
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active server: %w", err)
	}
	return id, nil
}

func (db *Postgres) SetActiveServerID(ctx context.Context, id string) error {
	var err error
	if id == "" {
		_, err = db.ExecContext(ctx, "DELETE FROM settings WHERE key = 'active_server'")
	} else {
		_, err = db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('active_server', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set active server: %w", err)
	}
	return nil
}

// --- credentials ---

func (db *Postgres) GetCredential(ctx context.Context, serverID, name string) (models.Credential, error) {
	var cred models.Credential
	err := db.GetContext(ctx, &cred,
		"SELECT * FROM credentials WHERE server_id = $1 AND name = $2", serverID, name)
	if err != nil {
		return models.Credential{}, notFound(err)
	}
	return cred, nil
}

func (db *Postgres) ListCredentials(ctx context.Context, serverID string) ([]models.Credential, error) {
	var creds []models.Credential
	var err error
	if serverID == "" {
		err = db.SelectContext(ctx, &creds, "SELECT * FROM credentials ORDER BY server_id, name")
	} else {
		err = db.SelectContext(ctx, &creds,
			"SELECT * FROM credentials WHERE server_id = $1 ORDER BY name", serverID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

func (db *Postgres) SaveCredential(ctx context.Context, cred models.Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO credentials (server_id, name, owner_id, owner_slug, expires_at, traffic_limit,
		state, config_path, created_at)
	VALUES (:server_id, :name, :owner_id, :owner_slug, :expires_at, :traffic_limit,
		:state, :config_path, :created_at)
	ON CONFLICT (server_id, name) DO UPDATE SET
		owner_id = EXCLUDED.owner_id, owner_slug = EXCLUDED.owner_slug,
		expires_at = EXCLUDED.expires_at, traffic_limit = EXCLUDED.traffic_limit,
		state = EXCLUDED.state, config_path = EXCLUDED.config_path
	`
	if _, err := db.NamedExecContext(ctx, query, cred); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (db *Postgres) DeleteCredential(ctx context.Context, serverID, name string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM credentials WHERE server_id = $1 AND name = $2", serverID, name)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// --- traffic ---

func (db *Postgres) GetTraffic(ctx context.Context, serverID, name string) (models.TrafficRecord, error) {
	var rec models.TrafficRecord
	err := db.GetContext(ctx, &rec,
		"SELECT * FROM traffic WHERE server_id = $1 AND credential_name = $2", serverID, name)
	if err != nil {
		return models.TrafficRecord{}, notFound(err)
	}
	return rec, nil
}

func (db *Postgres) SaveTraffic(ctx context.Context, record models.TrafficRecord) error {
	query := `
	INSERT INTO traffic (server_id, credential_name, total_incoming, total_outgoing,
		last_incoming, last_outgoing, updated_at)
	VALUES (:server_id, :credential_name, :total_incoming, :total_outgoing,
		:last_incoming, :last_outgoing, :updated_at)
	ON CONFLICT (server_id, credential_name) DO UPDATE SET
		total_incoming = EXCLUDED.total_incoming, total_outgoing = EXCLUDED.total_outgoing,
		last_incoming = EXCLUDED.last_incoming, last_outgoing = EXCLUDED.last_outgoing,
		updated_at = EXCLUDED.updated_at
	`
	if _, err := db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to save traffic: %w", err)
	}
	return nil
}

func (db *Postgres) DeleteTraffic(ctx context.Context, serverID, name string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM traffic WHERE server_id = $1 AND credential_name = $2", serverID, name)
	if err != nil {
		return fmt.Errorf("failed to delete traffic: %w", err)
	}
	return nil
}

// --- connections ---

func (db *Postgres) RecordConnection(ctx context.Context, serverID, name string, conn models.Connection) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO connections (server_id, credential_name, ip, seen_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT DO NOTHING`, serverID, name, conn.IP, conn.SeenAt)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	DELETE FROM connections
	WHERE server_id = $1 AND credential_name = $2 AND ip NOT IN (
		SELECT ip FROM connections
		WHERE server_id = $1 AND credential_name = $2
		ORDER BY seen_at DESC
		LIMIT $3
	)`, serverID, name, models.MaxConnections)
	if err != nil {
		return fmt.Errorf("failed to trim connections: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *Postgres) ListConnections(ctx context.Context, serverID, name string) ([]models.Connection, error) {
	var list []models.Connection
	err := db.SelectContext(ctx, &list, `
	SELECT ip, seen_at FROM connections
	WHERE server_id = $1 AND credential_name = $2
	ORDER BY seen_at DESC`, serverID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return list, nil
}

func (db *Postgres) DeleteConnections(ctx context.Context, serverID, name string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM connections WHERE server_id = $1 AND credential_name = $2", serverID, name)
	if err != nil {
		return fmt.Errorf("failed to delete connections: %w", err)
	}
	return nil
}
