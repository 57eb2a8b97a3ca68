package vpn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ilokitv/awgbot/internal/logging"
	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/transport"
	"github.com/ilokitv/awgbot/internal/transport/transporttest"
)

func mustKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.String()
}

// fakeContainer моделирует содержимое контейнера AmneziaWG поверх transporttest.Fake
type fakeContainer struct {
	mu       sync.Mutex
	conf     string
	table    string
	show     string
	restarts int
	fake     *transporttest.Fake

	readDelay time.Duration // Задержка чтения wg0.conf, чтобы параллельные вызовы пересекались
}

func newContainer(t *testing.T, conf, table string) *fakeContainer {
	c := &fakeContainer{conf: conf, table: table, fake: transporttest.New()}
	c.fake.
		On("docker cp", func(cmd string) (transport.Result, error) {
			// docker cp '<tmp>' '<container>:<dest>'
			parts := strings.Fields(cmd)
			src := strings.Trim(parts[2], "'")
			dest := strings.Trim(parts[3], "'")
			_, dest, _ = strings.Cut(dest, ":")
			data, ok := c.fake.Uploaded(src)
			require.True(t, ok, "docker cp of a file that was never uploaded")
			c.mu.Lock()
			defer c.mu.Unlock()
			switch dest {
			case models.DefaultConfigPath:
				c.conf = string(data)
			case ClientsTablePath:
				c.table = string(data)
			}
			return transport.Result{}, nil
		}).
		On("wg-quick", func(string) (transport.Result, error) {
			c.mu.Lock()
			c.restarts++
			c.mu.Unlock()
			return transport.Result{}, nil
		}).
		On("cat '"+models.DefaultConfigPath+"'", func(string) (transport.Result, error) {
			time.Sleep(c.readDelay)
			c.mu.Lock()
			defer c.mu.Unlock()
			return transport.Result{Stdout: c.conf}, nil
		}).
		On("cat "+ClientsTablePath, func(string) (transport.Result, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.table == "" {
				return transport.Result{ExitCode: 1, Stderr: "No such file"}, nil
			}
			return transport.Result{Stdout: c.table}, nil
		}).
		On("wg show", func(string) (transport.Result, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return transport.Result{Stdout: c.show}, nil
		}).
		On("wg genkey", func(string) (transport.Result, error) {
			return transport.Result{Stdout: mustKey(t) + "\n"}, nil
		}).
		On("wg pubkey", func(string) (transport.Result, error) {
			return transport.Result{Stdout: mustKey(t) + "\n"}, nil
		}).
		On("wg genpsk", func(string) (transport.Result, error) {
			return transport.Result{Stdout: mustKey(t) + "\n"}, nil
		}).
		Reply("rm -f", "")
	return c
}

func serverConf(t *testing.T, peers ...string) string {
	conf := "[Interface]\nPrivateKey = " + mustKey(t) + "\nAddress = 10.8.1.1/24\nListenPort = 51820\n" +
		"Jc = 4\nJmin = 40\nJmax = 70\nS1 = 52\nS2 = 11\nH1 = 1\nH2 = 2\nH3 = 3\nH4 = 4\n"
	return conf + strings.Join(peers, "")
}

func peerBlock(name, key, ip string) string {
	return "\n[Peer]\n# " + name + "\nPublicKey = " + key + "\nPresharedKey = " + key + "\nAllowedIPs = " + ip + "\n"
}

var testServer = models.Server{ID: "eu1", Host: "203.0.113.10", Endpoint: "vpn.example.com"}

func TestCreateAddsPeer(t *testing.T) {
	existing := mustKey(t)
	c := newContainer(t, serverConf(t, peerBlock("bob", existing, "10.8.1.2/32")), "")
	profiles := t.TempDir()
	m := NewAmneziaManager(c.fake, profiles, logging.Discard())
	m.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	path, err := m.Create(context.Background(), testServer, "alice", "owner7")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(profiles, "eu1", "owner7", "alice", "alice.conf"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	client := string(data)
	require.Contains(t, client, "Address = 10.8.1.3/32")
	require.Contains(t, client, "Jc = 4\nJmin = 40\nJmax = 70\nS1 = 52\nS2 = 11\nH1 = 1\nH2 = 2\nH3 = 3\nH4 = 4\n")
	require.Contains(t, client, "Endpoint = vpn.example.com:51820")
	require.Contains(t, client, "DNS = 1.1.1.1, 1.0.0.1")
	require.Contains(t, client, "PersistentKeepalive = 25")

	key, err := ReadKey(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, KeyPrefix))
	raw, err := DecodeKey(key)
	require.NoError(t, err)
	var envelope keyEnvelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Equal(t, "alice", envelope.Description)
	require.Equal(t, "vpn.example.com", envelope.HostName)
	require.Len(t, envelope.Containers, 1)
	awg := envelope.Containers[0].AWG
	require.Equal(t, "amnezia-awg", envelope.Containers[0].Container)
	require.Equal(t, "4", awg["Jc"])
	require.Equal(t, "51820", awg["port"])
	var last keyLastConfig
	require.NoError(t, json.Unmarshal([]byte(awg["last_config"]), &last))
	require.Equal(t, "10.8.1.3", last.ClientIP)
	require.Equal(t, client, last.Config)

	cfg := parseServerConfig(c.conf)
	require.Len(t, cfg.Peers, 2)
	require.Equal(t, "alice", cfg.Peers[1].Name)
	require.Equal(t, "10.8.1.3/32", cfg.Peers[1].AllowedIPs)
	require.Equal(t, 1, c.restarts)

	var table []clientsTableEntry
	require.NoError(t, json.Unmarshal([]byte(c.table), &table))
	require.Len(t, table, 1)
	require.Equal(t, "alice", table[0].UserData.ClientName)
	require.Equal(t, cfg.Peers[1].PublicKey, table[0].ClientID)
	require.Equal(t, "2024-05-01 10:00:00", table[0].UserData.CreationDate)

	for _, call := range c.fake.Calls() {
		if strings.HasPrefix(call, "upload ") {
			require.True(t, strings.HasPrefix(call, "upload /tmp/awgbot-"))
		}
	}
}

func TestCreateConcurrentKeepsAllPeers(t *testing.T) {
	c := newContainer(t, serverConf(t), "")
	c.readDelay = 20 * time.Millisecond
	m := NewAmneziaManager(c.fake, t.TempDir(), logging.Discard())

	names := []string{"alice", "bob", "carol", "dave"}
	errs := make(chan error, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(context.Background(), testServer, name, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	cfg := parseServerConfig(c.conf)
	require.Len(t, cfg.Peers, len(names))
	ips := make(map[string]string)
	for _, p := range cfg.Peers {
		other, dup := ips[p.AllowedIPs]
		require.False(t, dup, "%s and %s share %s", p.Name, other, p.AllowedIPs)
		ips[p.AllowedIPs] = p.Name
	}

	var table []clientsTableEntry
	require.NoError(t, json.Unmarshal([]byte(c.table), &table))
	require.Len(t, table, len(names))
}

func TestCreateRejectsExistingName(t *testing.T) {
	c := newContainer(t, serverConf(t, peerBlock("alice", mustKey(t), "10.8.1.2/32")), "")
	m := NewAmneziaManager(c.fake, t.TempDir(), logging.Discard())

	_, err := m.Create(context.Background(), testServer, "alice", "")
	require.ErrorIs(t, err, ErrPeerExists)
	require.Zero(t, c.restarts)
}

func TestCreateTransportFailureLeavesNoProfile(t *testing.T) {
	fake := transporttest.New().
		Reply("cat '"+models.DefaultConfigPath+"'", serverConf(t)).
		Fail("cat "+ClientsTablePath, 1, "").
		Reply("wg genkey", mustKey(t)).
		Reply("wg pubkey", mustKey(t)).
		Reply("wg genpsk", mustKey(t)).
		Unreachable("docker cp")
	profiles := t.TempDir()
	m := NewAmneziaManager(fake, profiles, logging.Discard())

	_, err := m.Create(context.Background(), testServer, "alice", "")
	require.Error(t, err)
	require.True(t, models.IsTransport(err))
	require.NoDirExists(t, models.ProfileDir(profiles, "eu1", "", "alice"))
}

func TestDeleteRemovesPeer(t *testing.T) {
	aliceKey, bobKey := mustKey(t), mustKey(t)
	conf := serverConf(t,
		peerBlock("alice", aliceKey, "10.8.1.2/32"),
		peerBlock("bob", bobKey, "10.8.1.3/32"))
	table, err := json.Marshal([]map[string]any{
		{"clientId": aliceKey, "userData": map[string]string{"clientName": "alice"}},
		{"clientId": bobKey, "userData": map[string]string{"clientName": "bob"}},
	})
	require.NoError(t, err)
	c := newContainer(t, conf, string(table))
	m := NewAmneziaManager(c.fake, t.TempDir(), logging.Discard())

	deleted, err := m.Delete(context.Background(), testServer, "alice")
	require.NoError(t, err)
	require.True(t, deleted)

	cfg := parseServerConfig(c.conf)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, "bob", cfg.Peers[0].Name)
	require.NotContains(t, c.conf, aliceKey)
	require.Equal(t, 1, c.restarts)
	require.NotContains(t, c.table, aliceKey)
	require.Contains(t, c.table, bobKey)

	deleted, err = m.Delete(context.Background(), testServer, "alice")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestListActiveNamesPeers(t *testing.T) {
	aliceKey, bobKey, strayKey := mustKey(t), mustKey(t), mustKey(t)
	conf := serverConf(t,
		peerBlock("alice [iphone]", aliceKey, "10.8.1.2/32"),
		peerBlock("bob", bobKey, "10.8.1.3/32"))
	table, err := json.Marshal([]map[string]any{
		{"clientId": bobKey, "userData": map[string]string{"clientName": "robert"}},
	})
	require.NoError(t, err)
	c := newContainer(t, conf, string(table))
	c.show = "interface: wg0\n  public key: x\n  listening port: 51820\n\n" +
		"peer: " + aliceKey + "\n  preshared key: (hidden)\n  endpoint: 198.51.100.4:40112\n" +
		"  allowed ips: 10.8.1.2/32\n  latest handshake: 12 seconds ago\n" +
		"  transfer: 1.21 MiB received, 310.55 KiB sent\n\n" +
		"peer: " + bobKey + "\n  allowed ips: 10.8.1.3/32\n\n" +
		"peer: " + strayKey + "\n  allowed ips: 10.8.1.9/32\n"
	m := NewAmneziaManager(c.fake, t.TempDir(), logging.Discard())

	peers, err := m.ListActive(context.Background(), testServer)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "alice", peers[0].Name)
	require.Equal(t, "198.51.100.4:40112", peers[0].Endpoint)
	require.Equal(t, "12 seconds ago", peers[0].LatestHandshake)
	require.Equal(t, "1.21 MiB received, 310.55 KiB sent", peers[0].Transfer)
	require.Equal(t, "robert", peers[1].Name)
	require.Empty(t, peers[1].Transfer)
}

func TestParseShowSkipsMalformedKeys(t *testing.T) {
	peers := parseShow("peer: not-a-key\n  transfer: 1 B received, 2 B sent\n")
	require.Empty(t, peers)
}

func TestRemovePeerBlockKeepsOthers(t *testing.T) {
	a, b := mustKey(t), mustKey(t)
	conf := "[Interface]\nListenPort = 1\n" + peerBlock("a", a, "10.8.1.2/32") + peerBlock("b", b, "10.8.1.3/32")

	out, removed := removePeerBlock(conf, b)
	require.True(t, removed)
	require.Contains(t, out, a)
	require.NotContains(t, out, b)

	_, removed = removePeerBlock(out, b)
	require.False(t, removed)
}

func TestNextClientIPExhausted(t *testing.T) {
	var cfg serverConfig
	for i := 2; i <= 254; i++ {
		cfg.Peers = append(cfg.Peers, confPeer{AllowedIPs: "10.8.1." + strconv.Itoa(i) + "/32"})
	}
	_, err := nextClientIP(cfg)
	require.Error(t, err)

	cfg.Peers = cfg.Peers[1:]
	ip, err := nextClientIP(cfg)
	require.NoError(t, err)
	require.Equal(t, "10.8.1.2/32", ip)
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "https://x", "vpn://!!!", "vpn://AAE"} {
		_, err := DecodeKey(key)
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}

	key, err := EncodeKey([]byte(`{"a":1}`))
	require.NoError(t, err)
	raw, err := DecodeKey(key + "==")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(raw))
}

func TestReadKeyMissing(t *testing.T) {
	key, err := ReadKey(filepath.Join(t.TempDir(), "bob.conf"))
	require.NoError(t, err)
	require.Empty(t, key)
}
