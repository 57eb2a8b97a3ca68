package vpn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ilokitv/awgbot/internal/models"
)

// obfuscationParams параметры AmneziaWG, которые копируются из [Interface] сервера в клиентский конфиг
var obfuscationParams = []string{"Jc", "Jmin", "Jmax", "S1", "S2", "H1", "H2", "H3", "H4"}

// serverInterface значения из секции [Interface] конфигурации сервера
type serverInterface struct {
	PrivateKey  string
	ListenPort  string
	Obfuscation []string // строки вида "Jc = 4" в исходном порядке
}

// confPeer пир из конфигурации сервера
type confPeer struct {
	Name       string
	PublicKey  string
	AllowedIPs string
}

// serverConfig разобранный wg0.conf
type serverConfig struct {
	Interface serverInterface
	Peers     []confPeer
}

func splitKV(line string) (string, string, bool) {
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

// clientName убирает суффикс вида "name [device]" из комментария
func clientName(comment string) string {
	name, _, _ := strings.Cut(comment, "[")
	return strings.TrimSpace(name)
}

func parseServerConfig(content string) serverConfig {
	var (
		cfg     serverConfig
		section string
		peer    *confPeer
	)
	flush := func() {
		if peer != nil && peer.PublicKey != "" {
			cfg.Peers = append(cfg.Peers, *peer)
		}
		peer = nil
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "[Interface]":
			flush()
			section = "interface"
			continue
		case line == "[Peer]":
			flush()
			section = "peer"
			peer = &confPeer{}
			continue
		case line == "":
			continue
		}

		if section == "peer" {
			if strings.HasPrefix(line, "#") {
				peer.Name = clientName(strings.TrimPrefix(line, "#"))
				continue
			}
			k, v, ok := splitKV(line)
			if !ok {
				continue
			}
			switch k {
			case "PublicKey":
				peer.PublicKey = v
			case "AllowedIPs":
				peer.AllowedIPs = v
			}
			continue
		}

		if section == "interface" {
			k, v, ok := splitKV(line)
			if !ok {
				continue
			}
			switch k {
			case "PrivateKey":
				cfg.Interface.PrivateKey = v
			case "ListenPort":
				cfg.Interface.ListenPort = v
			default:
				for _, p := range obfuscationParams {
					if k == p {
						cfg.Interface.Obfuscation = append(cfg.Interface.Obfuscation, k+" = "+v)
					}
				}
			}
		}
	}
	flush()
	return cfg
}

// removePeerBlock удаляет из конфигурации блок [Peer] с указанным публичным ключом
func removePeerBlock(content, publicKey string) (string, bool) {
	lines := strings.Split(content, "\n")
	var (
		out     []string
		block   []string
		inPeer  bool
		skip    bool
		removed bool
	)
	endBlock := func() {
		if inPeer && !skip {
			out = append(out, block...)
		}
		if skip {
			removed = true
		}
		block, inPeer, skip = nil, false, false
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "[Peer]" || line == "[Interface]" {
			endBlock()
			if line == "[Peer]" {
				inPeer = true
				block = []string{raw}
				continue
			}
			out = append(out, raw)
			continue
		}
		if !inPeer {
			out = append(out, raw)
			continue
		}
		if line == "" {
			keep := !skip
			endBlock()
			if keep {
				out = append(out, raw)
			}
			continue
		}
		if k, v, ok := splitKV(line); ok && k == "PublicKey" && v == publicKey {
			skip = true
		}
		block = append(block, raw)
	}
	endBlock()
	return strings.Join(out, "\n"), removed
}

// clientsTableEntry запись /opt/amnezia/awg/clientsTable
type clientsTableEntry struct {
	ClientID string `json:"clientId"`
	UserData struct {
		ClientName   string `json:"clientName"`
		CreationDate string `json:"creationDate,omitempty"`
	} `json:"userData"`
}

func parseClientsTable(data string) ([]clientsTableEntry, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	var table []clientsTableEntry
	if err := json.Unmarshal([]byte(data), &table); err != nil {
		return nil, fmt.Errorf("failed to decode clientsTable: %w", err)
	}
	return table, nil
}

// parseShow разбирает вывод `wg show`. Пиры с некорректным ключом пропускаются.
func parseShow(output string) []models.Peer {
	var (
		peers []models.Peer
		cur   *models.Peer
	)
	flush := func() {
		if cur != nil {
			peers = append(peers, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch k {
		case "interface":
			flush()
		case "peer":
			flush()
			if _, err := wgtypes.ParseKey(v); err != nil {
				continue
			}
			cur = &models.Peer{PublicKey: v}
		case "endpoint":
			if cur != nil {
				cur.Endpoint = v
			}
		case "latest handshake":
			if cur != nil {
				cur.LatestHandshake = v
			}
		case "transfer":
			if cur != nil {
				cur.Transfer = v
			}
		}
	}
	flush()
	return peers
}

// nextClientIP возвращает первый свободный адрес 10.8.1.x/32 начиная с .2
func nextClientIP(cfg serverConfig) (string, error) {
	used := make(map[string]bool, len(cfg.Peers))
	for _, p := range cfg.Peers {
		for _, ip := range strings.Split(p.AllowedIPs, ",") {
			used[strings.TrimSpace(ip)] = true
		}
	}
	for octet := 2; octet <= 254; octet++ {
		ip := fmt.Sprintf("10.8.1.%d/32", octet)
		if !used[ip] {
			return ip, nil
		}
	}
	return "", fmt.Errorf("no free client addresses left in 10.8.1.0/24")
}
