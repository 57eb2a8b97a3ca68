package vpn

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Ключ vpn:// импортируется приложением AmneziaVPN. Это JSON-описание подключения в формате
// qCompress (длина исходных данных big-endian, затем zlib), закодированное base64url без паддинга.
const (
	KeyPrefix    = "vpn://"
	keyContainer = "amnezia-awg"
	keyExt       = ".vpn"
)

// ErrInvalidKey строка не является ключом vpn://
var ErrInvalidKey = errors.New("invalid vpn key")

type keyEnvelope struct {
	Containers       []keyContainerEntry `json:"containers"`
	DefaultContainer string              `json:"defaultContainer"`
	Description      string              `json:"description"`
	DNS1             string              `json:"dns1"`
	DNS2             string              `json:"dns2"`
	HostName         string              `json:"hostName"`
}

type keyContainerEntry struct {
	AWG       map[string]string `json:"awg"`
	Container string            `json:"container"`
}

type keyLastConfig struct {
	Config         string   `json:"config"`
	HostName       string   `json:"hostName"`
	Port           int      `json:"port"`
	ClientIP       string   `json:"client_ip"`
	ClientPrivKey  string   `json:"client_priv_key"`
	ServerPubKey   string   `json:"server_pub_key"`
	PSKKey         string   `json:"psk_key"`
	MTU            string   `json:"mtu"`
	PersistentKeep string   `json:"persistent_keep_alive"`
	AllowedIPs     []string `json:"allowed_ips"`
}

// obfuscation возвращает параметры AmneziaWG (Jc, S1, H1...) из строк "Key = Value"
func (c clientConfig) obfuscation() map[string]string {
	out := make(map[string]string, len(c.Obfuscation))
	for _, line := range c.Obfuscation {
		k, v, ok := strings.Cut(line, "=")
		if ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

// vpnKey кодирует клиентскую конфигурацию в ключ vpn://
func (c clientConfig) vpnKey(description string) (string, error) {
	host, portStr, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint %q: %w", c.Endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint port %q: %w", portStr, err)
	}

	last, err := json.Marshal(keyLastConfig{
		Config:         c.render(),
		HostName:       host,
		Port:           port,
		ClientIP:       strings.TrimSuffix(c.Address, "/32"),
		ClientPrivKey:  c.PrivateKey,
		ServerPubKey:   c.ServerPublicKey,
		PSKKey:         c.PresharedKey,
		MTU:            "1280",
		PersistentKeep: "25",
		AllowedIPs:     []string{"0.0.0.0/0", "::/0"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode key config: %w", err)
	}

	awg := c.obfuscation()
	awg["last_config"] = string(last)
	awg["port"] = portStr
	awg["transport_proto"] = "udp"

	data, err := json.Marshal(keyEnvelope{
		Containers:       []keyContainerEntry{{AWG: awg, Container: keyContainer}},
		DefaultContainer: keyContainer,
		Description:      description,
		DNS1:             "1.1.1.1",
		DNS2:             "1.0.0.1",
		HostName:         host,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode key: %w", err)
	}
	return EncodeKey(data)
}

// EncodeKey упаковывает JSON в ключ vpn://
func EncodeKey(data []byte) (string, error) {
	var buf bytes.Buffer
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	buf.Write(size[:])

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("failed to compress key: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeKey распаковывает ключ vpn:// в JSON
func DecodeKey(key string) ([]byte, error) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(key), KeyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidKey, KeyPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: payload too short", ErrInvalidKey)
	}
	size := binary.BigEndian.Uint32(raw[:4])

	zr, err := zlib.NewReader(bytes.NewReader(raw[4:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if uint32(len(data)) != size {
		return nil, fmt.Errorf("%w: length mismatch", ErrInvalidKey)
	}
	return data, nil
}

// KeyPath путь к файлу ключа рядом с клиентской конфигурацией
func KeyPath(configPath string) string {
	return strings.TrimSuffix(configPath, ".conf") + keyExt
}

// ReadKey читает ключ vpn:// клиента. Для профилей без ключа возвращает "".
func ReadKey(configPath string) (string, error) {
	data, err := os.ReadFile(KeyPath(configPath))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read vpn key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
