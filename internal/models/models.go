package models

import (
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// AuthMethod способ аутентификации на удаленном сервере
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// ServerAuth содержит параметры SSH-аутентификации.
// Пароль не хранится: PasswordRef ссылается на него (env:NAME или file:/path).
type ServerAuth struct {
	Method      AuthMethod `db:"auth_method" json:"method" yaml:"method"`
	PasswordRef string     `db:"password_ref" json:"password_ref,omitempty" yaml:"password_ref"`
	KeyPath     string     `db:"key_path" json:"key_path,omitempty" yaml:"key_path"`
}

// Server представляет VPN-сервер с контейнером AmneziaWG
type Server struct {
	ID         string     `db:"id" json:"id"`
	Host       string     `db:"host" json:"host"`
	Port       int        `db:"port" json:"port"`
	Username   string     `db:"username" json:"username"`
	Auth       ServerAuth `db:"-" json:"auth"`
	Container  string     `db:"container" json:"docker_container"`
	ConfigPath string     `db:"config_path" json:"wg_config_file"`
	Endpoint   string     `db:"endpoint" json:"endpoint"`
	IsRemote   bool       `db:"is_remote" json:"is_remote"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Значения по умолчанию для контейнера AmneziaWG
const (
	DefaultContainer  = "amnezia-awg"
	DefaultConfigPath = "/opt/amnezia/awg/wg0.conf"
	DefaultSSHPort    = 22
)

// Address возвращает host:port для SSH-подключения
func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// PublicEndpoint возвращает адрес, который прописывается в клиентских конфигурациях
func (s Server) PublicEndpoint() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return s.Host
}

// Credential представляет VPN-клиента, выданного на конкретном сервере
type Credential struct {
	Name         string     `db:"name" json:"name"`
	OwnerID      int64      `db:"owner_id" json:"owner_id"`
	OwnerSlug    string     `db:"owner_slug" json:"owner_slug"`
	ServerID     string     `db:"server_id" json:"server_id"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expiration_time"`
	TrafficLimit *int64     `db:"traffic_limit" json:"traffic_limit"` // Лимит в байтах, nil - без ограничений
	State        State      `db:"state" json:"state"`
	ConfigPath   string     `db:"config_path" json:"config_path,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Key возвращает ключ клиента, уникальный в пределах всех серверов
func (c Credential) Key() string {
	return CredentialKey(c.ServerID, c.Name)
}

// Expired сообщает, истек ли срок действия на момент now
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// CredentialKey формирует ключ server/name
func CredentialKey(serverID, name string) string {
	return serverID + "/" + name
}

// ProfileDir каталог артефактов клиента: <profiles>/<server>/<owner>/<name>
func ProfileDir(root, serverID, ownerSlug, name string) string {
	if ownerSlug == "" {
		ownerSlug = name
	}
	return filepath.Join(root, serverID, ownerSlug, name)
}

// TrafficRecord хранит накопленный трафик клиента и последние значения счетчиков бэкенда
type TrafficRecord struct {
	CredentialName string    `db:"credential_name" json:"credential_name"`
	ServerID       string    `db:"server_id" json:"server_id"`
	TotalIncoming  int64     `db:"total_incoming" json:"total_incoming"`
	TotalOutgoing  int64     `db:"total_outgoing" json:"total_outgoing"`
	LastIncoming   int64     `db:"last_incoming" json:"last_incoming"`
	LastOutgoing   int64     `db:"last_outgoing" json:"last_outgoing"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Total возвращает суммарный трафик в обе стороны
func (r TrafficRecord) Total() int64 {
	return r.TotalIncoming + r.TotalOutgoing
}

// ScheduledRevocation запланированный отзыв клиента. Существует только в памяти.
type ScheduledRevocation struct {
	Key    string
	FireAt time.Time
}

// ISPEntry запись кэша провайдеров
type ISPEntry struct {
	ISP        string    `json:"isp"`
	ObservedAt time.Time `json:"timestamp"`
}

// Connection IP-адрес, с которого подключался клиент
type Connection struct {
	IP     string    `db:"ip" json:"ip"`
	SeenAt time.Time `db:"seen_at" json:"seen_at"`
}

// MaxConnections ограничение истории подключений на одного клиента
const MaxConnections = 100

// Peer описывает пира, о котором сообщает бэкенд на очередном опросе
type Peer struct {
	Name            string
	PublicKey       string
	Endpoint        string
	LatestHandshake string // Относительное время, например "1 minute, 3 seconds ago"
	Transfer        string // Например "1.21 MiB received, 310.55 KiB sent"
}

// Principal - тот, от чьего имени выполняется операция
type Principal struct {
	ID    int64
	Admin bool
}

// CanAccess проверяет, может ли принципал управлять клиентом
func (p Principal) CanAccess(c Credential) bool {
	return p.Admin || p.ID == c.OwnerID
}

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidIdentifier проверяет идентификатор сервера или имя клиента
func ValidIdentifier(id string) bool {
	return identifierRe.MatchString(id)
}
