package vpn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/transport"
)

// ClientsTablePath таблица клиентов AmneziaWG внутри контейнера
const ClientsTablePath = "/opt/amnezia/awg/clientsTable"

// ErrPeerExists пир с таким именем уже есть в конфигурации сервера
var ErrPeerExists = errors.New("peer already exists on server")

// AmneziaManager управляет пирами AmneziaWG в docker-контейнере
type AmneziaManager struct {
	transport   transport.Transport
	profilesDir string // Каталог для клиентских конфигураций
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // wg0.conf и clientsTable сервера меняются под этим мьютексом
}

// NewAmneziaManager создает менеджера AmneziaWG
func NewAmneziaManager(t transport.Transport, profilesDir string, logger *slog.Logger) *AmneziaManager {
	return &AmneziaManager{
		transport:   t,
		profilesDir: profilesDir,
		logger:      logger,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockServer сериализует изменения конфигурации одного сервера
func (m *AmneziaManager) lockServer(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func container(server models.Server) string {
	if server.Container != "" {
		return server.Container
	}
	return models.DefaultContainer
}

func configPath(server models.Server) string {
	if server.ConfigPath != "" {
		return server.ConfigPath
	}
	return models.DefaultConfigPath
}

func dockerExec(server models.Server, args string) string {
	return fmt.Sprintf("docker exec -i %s %s", transport.Quote(container(server)), args)
}

// run выполняет команду и превращает ненулевой код возврата в ошибку
func (m *AmneziaManager) run(ctx context.Context, server models.Server, command string) (string, error) {
	res, err := m.transport.Exec(ctx, server, command)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("command execution failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (m *AmneziaManager) readServerConfig(ctx context.Context, server models.Server) (string, error) {
	out, err := m.run(ctx, server, dockerExec(server, "cat "+transport.Quote(configPath(server))))
	if err != nil {
		return "", fmt.Errorf("failed to read server config: %w", err)
	}
	return out, nil
}

// readClientsTable возвращает пустую таблицу, если файла нет или он поврежден
func (m *AmneziaManager) readClientsTable(ctx context.Context, server models.Server) ([]clientsTableEntry, error) {
	res, err := m.transport.Exec(ctx, server, dockerExec(server, "cat "+ClientsTablePath))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, nil
	}
	table, err := parseClientsTable(res.Stdout)
	if err != nil {
		m.logger.Warn("Таблица клиентов повреждена, используется пустая", "server", server.ID, "error", err)
		return nil, nil
	}
	return table, nil
}

// install копирует данные в контейнер через временный файл на хосте
func (m *AmneziaManager) install(ctx context.Context, server models.Server, data []byte, dest string) error {
	tmp := "/tmp/awgbot-" + uuid.NewString()
	if err := m.transport.Upload(ctx, server, tmp, data); err != nil {
		return err
	}
	defer func() {
		if _, err := m.transport.Exec(ctx, server, "rm -f "+transport.Quote(tmp)); err != nil {
			m.logger.Warn("Не удалось удалить временный файл", "server", server.ID, "path", tmp, "error", err)
		}
	}()

	cmd := fmt.Sprintf("docker cp %s %s", transport.Quote(tmp), transport.Quote(container(server)+":"+dest))
	if _, err := m.run(ctx, server, cmd); err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", dest, err)
	}
	return nil
}

// restart перечитывает конфигурацию интерфейса
func (m *AmneziaManager) restart(ctx context.Context, server models.Server) error {
	conf := transport.Quote(configPath(server))
	inner := fmt.Sprintf("wg-quick down %s && wg-quick up %s", conf, conf)
	if _, err := m.run(ctx, server, dockerExec(server, "sh -c "+transport.Quote(inner))); err != nil {
		return fmt.Errorf("failed to restart AmneziaWG: %w", err)
	}
	return nil
}

// peerNames сопоставляет публичные ключи именам: clientsTable, затем комментарии в конфиге
func peerNames(cfg serverConfig, table []clientsTableEntry) map[string]string {
	names := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.Name != "" {
			names[p.PublicKey] = p.Name
		}
	}
	for _, e := range table {
		if e.UserData.ClientName != "" {
			names[e.ClientID] = e.UserData.ClientName
		}
	}
	return names
}

// ListActive возвращает пиров из `wg show`, которым удалось сопоставить имя
func (m *AmneziaManager) ListActive(ctx context.Context, server models.Server) ([]models.Peer, error) {
	conf, err := m.readServerConfig(ctx, server)
	if err != nil {
		return nil, err
	}
	table, err := m.readClientsTable(ctx, server)
	if err != nil {
		return nil, err
	}
	names := peerNames(parseServerConfig(conf), table)

	out, err := m.run(ctx, server, dockerExec(server, "wg show"))
	if err != nil {
		return nil, fmt.Errorf("failed to get peer list: %w", err)
	}

	var peers []models.Peer
	for _, p := range parseShow(out) {
		name, ok := names[p.PublicKey]
		if !ok {
			continue
		}
		p.Name = name
		peers = append(peers, p)
	}
	return peers, nil
}

func (m *AmneziaManager) wgKey(ctx context.Context, server models.Server, command string) (string, error) {
	out, err := m.run(ctx, server, command)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(out)
	if _, err := wgtypes.ParseKey(key); err != nil {
		return "", fmt.Errorf("backend returned malformed key: %w", err)
	}
	return key, nil
}

func (m *AmneziaManager) pubkey(ctx context.Context, server models.Server, private string) (string, error) {
	return m.wgKey(ctx, server, "echo "+transport.Quote(private)+" | "+dockerExec(server, "wg pubkey"))
}

// Create добавляет пира и возвращает путь к клиентской конфигурации
func (m *AmneziaManager) Create(ctx context.Context, server models.Server, name, ownerSlug string) (string, error) {
	defer m.lockServer(server.ID)()

	conf, err := m.readServerConfig(ctx, server)
	if err != nil {
		return "", err
	}
	table, err := m.readClientsTable(ctx, server)
	if err != nil {
		return "", err
	}
	cfg := parseServerConfig(conf)
	for _, n := range peerNames(cfg, table) {
		if n == name {
			return "", fmt.Errorf("%w: %s", ErrPeerExists, name)
		}
	}

	if cfg.Interface.ListenPort == "" {
		return "", fmt.Errorf("failed to get server listen port")
	}
	if cfg.Interface.PrivateKey == "" {
		return "", fmt.Errorf("failed to get server private key")
	}

	// Генерируем ключи клиента
	privateKey, err := m.wgKey(ctx, server, dockerExec(server, "wg genkey"))
	if err != nil {
		return "", fmt.Errorf("failed to generate private key: %w", err)
	}
	publicKey, err := m.pubkey(ctx, server, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to generate public key: %w", err)
	}
	psk, err := m.wgKey(ctx, server, dockerExec(server, "wg genpsk"))
	if err != nil {
		return "", fmt.Errorf("failed to generate preshared key: %w", err)
	}
	serverPublicKey, err := m.pubkey(ctx, server, cfg.Interface.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive server public key: %w", err)
	}

	clientIP, err := nextClientIP(cfg)
	if err != nil {
		return "", err
	}

	dir := models.ProfileDir(m.profilesDir, server.ID, ownerSlug, name)
	clientConfigPath, err := writeClientConfig(dir, name, clientConfig{
		Address:         clientIP,
		PrivateKey:      privateKey,
		Obfuscation:     cfg.Interface.Obfuscation,
		ServerPublicKey: serverPublicKey,
		PresharedKey:    psk,
		Endpoint:        net.JoinHostPort(server.PublicEndpoint(), cfg.Interface.ListenPort),
	})
	if err != nil {
		return "", err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("Не удалось удалить каталог клиента", "path", dir, "error", err)
		}
	}

	peerBlock := fmt.Sprintf("\n[Peer]\n# %s\nPublicKey = %s\nPresharedKey = %s\nAllowedIPs = %s\n",
		name, publicKey, psk, clientIP)
	if err := m.install(ctx, server, []byte(conf+peerBlock), configPath(server)); err != nil {
		cleanup()
		return "", err
	}
	if err := m.restart(ctx, server); err != nil {
		cleanup()
		return "", err
	}

	entry := clientsTableEntry{ClientID: publicKey}
	entry.UserData.ClientName = name
	entry.UserData.CreationDate = m.now().Format("2006-01-02 15:04:05")
	if err := m.writeClientsTable(ctx, server, append(table, entry)); err != nil {
		// Пир уже применен; без записи в таблице имя восстанавливается по комментарию
		m.logger.Warn("Не удалось обновить таблицу клиентов", "server", server.ID, "client", name, "error", err)
	}

	m.logger.Info("Клиент добавлен на сервер", "server", server.ID, "client", name, "ip", clientIP)
	return clientConfigPath, nil
}

func (m *AmneziaManager) writeClientsTable(ctx context.Context, server models.Server, table []clientsTableEntry) error {
	if table == nil {
		table = []clientsTableEntry{}
	}
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode clientsTable: %w", err)
	}
	return m.install(ctx, server, data, ClientsTablePath)
}

// Delete удаляет пира по имени. Отсутствующий пир - (false, nil).
func (m *AmneziaManager) Delete(ctx context.Context, server models.Server, name string) (bool, error) {
	defer m.lockServer(server.ID)()

	conf, err := m.readServerConfig(ctx, server)
	if err != nil {
		return false, err
	}
	table, err := m.readClientsTable(ctx, server)
	if err != nil {
		return false, err
	}

	var publicKey string
	for key, n := range peerNames(parseServerConfig(conf), table) {
		if n == name {
			publicKey = key
			break
		}
	}
	if publicKey == "" {
		m.logger.Info("Пир не найден на сервере", "server", server.ID, "client", name)
		return false, nil
	}

	updated, removed := removePeerBlock(conf, publicKey)
	if removed {
		if err := m.install(ctx, server, []byte(updated), configPath(server)); err != nil {
			return false, err
		}
		if err := m.restart(ctx, server); err != nil {
			return false, err
		}
	}

	kept := table[:0]
	for _, e := range table {
		if e.ClientID != publicKey {
			kept = append(kept, e)
		}
	}
	if err := m.writeClientsTable(ctx, server, kept); err != nil {
		m.logger.Warn("Не удалось обновить таблицу клиентов", "server", server.ID, "client", name, "error", err)
	}

	m.logger.Info("Клиент удален с сервера", "server", server.ID, "client", name)
	return true, nil
}

// clientConfig данные клиентской конфигурации AmneziaWG
type clientConfig struct {
	Address         string
	PrivateKey      string
	Obfuscation     []string
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string
}

func (c clientConfig) render() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", c.Address)
	b.WriteString("DNS = 1.1.1.1, 1.0.0.1\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	for _, p := range c.Obfuscation {
		b.WriteString(p + "\n")
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	fmt.Fprintf(&b, "PresharedKey = %s\n", c.PresharedKey)
	b.WriteString("AllowedIPs = 0.0.0.0/0\n")
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

// writeClientConfig создает локальный файл конфигурации клиента и рядом ключ vpn://
func writeClientConfig(dir, name string, c clientConfig) (string, error) {
	key, err := c.vpnKey(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create profile dir: %w", err)
	}
	path := filepath.Join(dir, name+".conf")
	if err := os.WriteFile(path, []byte(c.render()), 0o600); err != nil {
		return "", fmt.Errorf("failed to write client config file: %w", err)
	}
	if err := os.WriteFile(KeyPath(path), []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write vpn key file: %w", err)
	}
	return path, nil
}
