package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ilokitv/awgbot/internal/models"
)

// SSHConfig параметры SSH транспорта
type SSHConfig struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	KnownHosts     string // Путь к known_hosts; пусто - ключ хоста не проверяется
}

// SSHRunner выполняет команды на удаленных серверах.
// Соединения кэшируются по ID сервера и переустанавливаются один раз при обрыве.
type SSHRunner struct {
	cfg    SSHConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*sshConn
}

type sshConn struct {
	client *ssh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

// close сначала закрывает SSH-клиент, это прерывает зависший sftp.NewClient
func (c *sshConn) close() {
	c.client.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		c.sftp.Close()
	}
}

// sftpClient открывает SFTP-подсистему при первом обращении
func (c *sshConn) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, err
		}
		c.sftp = client
	}
	return c.sftp, nil
}

// NewSSHRunner создает SSH транспорт
func NewSSHRunner(cfg SSHConfig, logger *slog.Logger) *SSHRunner {
	return &SSHRunner{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*sshConn),
	}
}

// ResolvePassword получает пароль по ссылке env:NAME или file:/path
func ResolvePassword(ref string) (string, error) {
	kind, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", fmt.Errorf("password reference must be env:NAME or file:/path, got %q", ref)
	}
	switch kind {
	case "env":
		pw, ok := os.LookupEnv(value)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", value)
		}
		return pw, nil
	case "file":
		data, err := os.ReadFile(value)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", fmt.Errorf("unknown password reference kind %q", kind)
	}
}

func (r *SSHRunner) authMethods(server models.Server) ([]ssh.AuthMethod, error) {
	switch server.Auth.Method {
	case models.AuthPassword:
		pw, err := ResolvePassword(server.Auth.PasswordRef)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil
	case models.AuthKey:
		if server.Auth.KeyPath != "" {
			key, err := os.ReadFile(server.Auth.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				return nil, fmt.Errorf("unable to parse private key: %w", err)
			}
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
		}
		// Без пути к ключу используем ssh-agent
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err == nil {
				return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
			}
		}
		return nil, fmt.Errorf("no key path configured and no ssh agent available")
	default:
		return nil, fmt.Errorf("unknown auth method %q", server.Auth.Method)
	}
}

func (r *SSHRunner) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if r.cfg.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(r.cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

func (r *SSHRunner) dial(ctx context.Context, server models.Server) (*ssh.Client, error) {
	auth, err := r.authMethods(server)
	if err != nil {
		return nil, err
	}
	hostKey, err := r.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            server.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         r.cfg.DialTimeout,
	}

	d := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", server.Address())
	if err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}

	// ssh.NewClientConn не учитывает config.Timeout, рукопожатие ограничиваем дедлайном сокета
	if deadline, ok := handshakeDeadline(ctx, r.cfg.DialTimeout); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set handshake deadline: %w", err)
		}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, server.Address(), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", server.Address(), err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	r.logger.Debug("SSH-подключение установлено", "server", server.ID, "addr", server.Address())
	return ssh.NewClient(c, chans, reqs), nil
}

// handshakeDeadline ближайший из DialTimeout и дедлайна контекста
func handshakeDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline, !deadline.IsZero()
}

// conn возвращает кэшированное соединение или устанавливает новое
func (r *SSHRunner) conn(ctx context.Context, server models.Server) (*sshConn, error) {
	r.mu.Lock()
	c, ok := r.conns[server.ID]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	client, err := r.dial(ctx, server)
	if err != nil {
		return nil, &models.TransportError{Server: server.ID, Op: "dial", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[server.ID]; ok {
		client.Close()
		return existing, nil
	}
	c = &sshConn{client: client}
	r.conns[server.ID] = c
	return c, nil
}

// drop удаляет соединение из кэша, если оно все еще то же самое
func (r *SSHRunner) drop(serverID string, c *sshConn) {
	r.mu.Lock()
	if r.conns[serverID] == c {
		delete(r.conns, serverID)
	}
	r.mu.Unlock()
	c.close()
}

// Forget закрывает соединение с сервером. Вызывается при удалении сервера.
func (r *SSHRunner) Forget(serverID string) {
	r.mu.Lock()
	c, ok := r.conns[serverID]
	delete(r.conns, serverID)
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

// Close закрывает все соединения
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*sshConn)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

// session открывает сессию, переподключаясь один раз, если кэшированное соединение оборвано
func (r *SSHRunner) session(ctx context.Context, server models.Server) (*ssh.Session, error) {
	for attempt := 0; ; attempt++ {
		c, err := r.conn(ctx, server)
		if err != nil {
			return nil, err
		}
		session, err := c.client.NewSession()
		if err == nil {
			return session, nil
		}
		r.drop(server.ID, c)
		if attempt > 0 {
			return nil, &models.TransportError{Server: server.ID, Op: "session", Err: err}
		}
		r.logger.Warn("SSH-соединение оборвано, переподключение", "server", server.ID, "error", err)
	}
}

func (r *SSHRunner) Exec(ctx context.Context, server models.Server, command string) (Result, error) {
	if r.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}

	session, err := r.session(ctx, server)
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	// Буферы для вывода
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	// Ожидаем завершения команды или таймаута
	select {
	case err = <-done:
	case <-ctx.Done():
		// Буферы не читаем: session.Run может еще писать в них
		session.Close()
		return Result{}, &models.TransportError{Server: server.ID, Op: "exec", Err: ctx.Err()}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, &models.TransportError{Server: server.ID, Op: "exec", Err: err}
}

// Upload записывает файл через SFTP. Операция ограничена CommandTimeout;
// по таймауту соединение закрывается, чтобы освободить зависшую передачу.
func (r *SSHRunner) Upload(ctx context.Context, server models.Server, remotePath string, data []byte) error {
	if r.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}

	c, err := r.conn(ctx, server)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- r.upload(server.ID, c, remotePath, data)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		r.drop(server.ID, c)
		return &models.TransportError{Server: server.ID, Op: "upload", Err: ctx.Err()}
	}
	if err != nil {
		return &models.TransportError{Server: server.ID, Op: "upload", Err: err}
	}
	return nil
}

func (r *SSHRunner) upload(serverID string, c *sshConn, remotePath string, data []byte) error {
	client, err := c.sftpClient()
	if err != nil {
		r.drop(serverID, c)
		return fmt.Errorf("failed to create sftp client: %w", err)
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		_ = client.MkdirAll(dir)
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := client.Chmod(remotePath, 0o600); err != nil {
		return fmt.Errorf("failed to chmod remote file: %w", err)
	}
	return nil
}
