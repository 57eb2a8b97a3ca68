package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilokitv/awgbot/internal/logging"
	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/registry"
	"github.com/ilokitv/awgbot/internal/scheduler"
	"github.com/ilokitv/awgbot/internal/storage"
)

type fakeBackend struct {
	mu        sync.Mutex
	profiles  string
	peers     map[string]models.Peer // по имени
	createErr error
	deleteErr error
	deletes   int
}

func (b *fakeBackend) ListActive(context.Context, models.Server) ([]models.Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	return out, nil
}

func (b *fakeBackend) Create(_ context.Context, server models.Server, name, ownerSlug string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	dir := models.ProfileDir(b.profiles, server.ID, ownerSlug, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".conf")
	if err := os.WriteFile(path, []byte("[Interface]\n"), 0o600); err != nil {
		return "", err
	}
	b.peers[name] = models.Peer{Name: name, Transfer: ""}
	return path, nil
}

func (b *fakeBackend) Delete(_ context.Context, _ models.Server, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	if b.deleteErr != nil {
		return false, b.deleteErr
	}
	_, ok := b.peers[name]
	delete(b.peers, name)
	return ok, nil
}

func (b *fakeBackend) report(name, transfer, handshake, endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[name] = models.Peer{Name: name, Transfer: transfer, LatestHandshake: handshake, Endpoint: endpoint}
}

type fakeServers struct {
	servers map[string]models.Server
	active  string
}

func (f *fakeServers) Get(id string) (models.Server, error) {
	s, ok := f.servers[id]
	if !ok {
		return models.Server{}, models.ErrUnknownServer
	}
	return s, nil
}

func (f *fakeServers) Active() (models.Server, bool) {
	s, ok := f.servers[f.active]
	return s, ok
}

func (f *fakeServers) Reload(context.Context) error { return nil }

// interceptScheduler выполняет before перед постановкой таймера
type interceptScheduler struct {
	Scheduler
	before func()
}

func (s *interceptScheduler) Schedule(ctx context.Context, cred models.Credential) {
	if s.before != nil {
		s.before()
	}
	s.Scheduler.Schedule(ctx, cred)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return errors.New("telegram is down")
}

type env struct {
	mgr      *Manager
	store    *storage.JSON
	backend  *fakeBackend
	sched    *scheduler.Expirations
	notifier *fakeNotifier
	profiles string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSON(dir)
	require.NoError(t, err)
	profiles := filepath.Join(dir, "profiles")

	e := &env{
		store:    store,
		backend:  &fakeBackend{profiles: profiles, peers: map[string]models.Peer{}},
		sched:    scheduler.NewExpirations(logging.Discard()),
		notifier: &fakeNotifier{},
		profiles: profiles,
	}
	t.Cleanup(e.sched.Stop)

	e.mgr = New(Deps{
		Store:   store,
		Backend: e.backend,
		Servers: &fakeServers{
			servers: map[string]models.Server{"eu1": {ID: "eu1", Host: "1.2.3.4"}},
			active:  "eu1",
		},
		Scheduler:   e.sched,
		Notifier:    e.notifier,
		ProfilesDir: profiles,
		Logger:      logging.Discard(),
	})
	e.sched.SetHandler(e.mgr.Expire)
	return e
}

func ptr[T any](v T) *T { return &v }

func TestIssue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)

	cred, err := e.mgr.Issue(ctx, IssueRequest{Name: "alice", OwnerID: 7, OwnerSlug: "u7", ServerID: "eu1", ExpiresAt: &expires})
	require.NoError(t, err)
	require.Equal(t, models.StateActive, cred.State)
	require.FileExists(t, cred.ConfigPath)

	stored, err := e.store.GetCredential(ctx, "eu1", "alice")
	require.NoError(t, err)
	require.Equal(t, models.StateActive, stored.State)

	rec, err := e.store.GetTraffic(ctx, "eu1", "alice")
	require.NoError(t, err)
	require.Zero(t, rec.Total())

	pending := e.sched.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "eu1/alice", pending[0].Key)

	_, err = e.mgr.Issue(ctx, IssueRequest{Name: "alice", ServerID: "eu1"})
	require.ErrorIs(t, err, models.ErrDuplicateCredential)
	_, err = e.mgr.Issue(ctx, IssueRequest{Name: "al ice", ServerID: "eu1"})
	require.ErrorIs(t, err, models.ErrInvalidIdentifier)
	_, err = e.mgr.Issue(ctx, IssueRequest{Name: "zed", ServerID: "nowhere"})
	require.ErrorIs(t, err, models.ErrUnknownServer)
	_, err = e.mgr.Issue(ctx, IssueRequest{Name: "old", ServerID: "eu1", ExpiresAt: ptr(time.Now().Add(-time.Hour))})
	require.Error(t, err)
}

func TestIssueRollsBackOnBackendFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.backend.createErr = &models.TransportError{Server: "eu1", Op: "exec", Err: context.DeadlineExceeded}

	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "alice", ServerID: "eu1"})
	require.True(t, models.IsTransport(err))

	_, err = e.store.GetCredential(ctx, "eu1", "alice")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, e.sched.Pending())
}

func TestOverLimitRevokedOnSecondTick(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "alice_170000", OwnerID: 1, ServerID: "eu1", TrafficLimit: ptr(int64(1_000_000))})
	require.NoError(t, err)

	e.backend.report("alice_170000", "600000 B received, 0 B sent", "10 seconds ago", "8.8.8.8:51820")
	require.NoError(t, e.mgr.CollectTraffic(ctx))

	stored, err := e.store.GetCredential(ctx, "eu1", "alice_170000")
	require.NoError(t, err)
	require.Equal(t, models.StateActive, stored.State)
	conns, err := e.store.ListConnections(ctx, "eu1", "alice_170000")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "8.8.8.8", conns[0].IP)

	e.backend.report("alice_170000", "1200000 B received, 0 B sent", "5 minutes ago", "8.8.4.4:51820")
	require.NoError(t, e.mgr.CollectTraffic(ctx))

	_, err = e.store.GetCredential(ctx, "eu1", "alice_170000")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.store.GetTraffic(ctx, "eu1", "alice_170000")
	require.ErrorIs(t, err, storage.ErrNotFound)
	conns, err = e.store.ListConnections(ctx, "eu1", "alice_170000")
	require.NoError(t, err)
	require.Empty(t, conns)
	require.Len(t, e.notifier.messages, 1)
	require.Contains(t, e.notifier.messages[0], "alice_170000")
}

func TestUnknownPeersMeteredNotRevoked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.backend.report("manual", "5 GiB received, 5 GiB sent", "never", "(none)")
	require.NoError(t, e.mgr.CollectTraffic(ctx))

	rec, err := e.store.GetTraffic(ctx, "eu1", "manual")
	require.NoError(t, err)
	require.Equal(t, int64(10*1024*1024*1024), rec.Total())
	require.Zero(t, e.backend.deletes)
}

func TestCollectWithoutActiveServer(t *testing.T) {
	e := newEnv(t)
	e.mgr.servers.(*fakeServers).active = ""
	require.ErrorIs(t, e.mgr.CollectTraffic(context.Background()), models.ErrNoActiveServer)
}

func TestRevokeBeforeScheduleLeavesNoTimer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := &interceptScheduler{Scheduler: e.sched}
	e.mgr.sched = sched
	sched.before = func() {
		sched.before = nil
		require.NoError(t, e.mgr.Revoke(ctx, "eu1", "gina", ReasonManual))
	}

	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "gina", ServerID: "eu1", ExpiresAt: ptr(time.Now().Add(time.Hour))})
	require.NoError(t, err)

	_, err = e.store.GetCredential(ctx, "eu1", "gina")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, e.sched.Pending())
	require.Zero(t, e.mgr.locks.size())
}

func TestDoubleRevoke(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cred, err := e.mgr.Issue(ctx, IssueRequest{Name: "bob", ServerID: "eu1", ExpiresAt: ptr(time.Now().Add(time.Hour))})
	require.NoError(t, err)

	require.NoError(t, e.mgr.Revoke(ctx, "eu1", "bob", ReasonManual))
	require.NoError(t, e.mgr.Revoke(ctx, "eu1", "bob", ReasonManual))

	require.Equal(t, 1, e.backend.deletes)
	require.Empty(t, e.sched.Pending())
	require.NoDirExists(t, filepath.Dir(cred.ConfigPath))
	require.Len(t, e.notifier.messages, 1)
}

func TestConcurrentRevokeDeletesPeerOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "carol", ServerID: "eu1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason := ReasonManual
			if i%2 == 0 {
				reason = ReasonExpired
			}
			errs <- e.mgr.Revoke(ctx, "eu1", "carol", reason)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, e.backend.deletes)
	require.Zero(t, e.mgr.locks.size())
}

func TestRevokeTransportFailureKeepsRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "dave", ServerID: "eu1", TrafficLimit: ptr(int64(10))})
	require.NoError(t, err)

	e.backend.deleteErr = &models.TransportError{Server: "eu1", Op: "dial", Err: errors.New("connection refused")}
	err = e.mgr.Revoke(ctx, "eu1", "dave", ReasonOverLimit)
	require.True(t, models.IsTransport(err))

	stored, err := e.store.GetCredential(ctx, "eu1", "dave")
	require.NoError(t, err)
	require.Equal(t, models.StateOverLimit, stored.State)

	// повтор при следующей сверке
	e.backend.deleteErr = nil
	require.NoError(t, e.mgr.Reconcile(ctx))
	_, err = e.store.GetCredential(ctx, "eu1", "dave")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOwnership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "erin", OwnerID: 42, ServerID: "eu1"})
	require.NoError(t, err)

	stranger := models.Principal{ID: 13}
	owner := models.Principal{ID: 42}
	admin := models.Principal{ID: 1, Admin: true}

	_, err = e.mgr.DetailAs(ctx, stranger, "eu1", "erin")
	require.ErrorIs(t, err, models.ErrForbidden)
	require.ErrorIs(t, e.mgr.RevokeAs(ctx, stranger, "eu1", "erin"), models.ErrForbidden)

	d, err := e.mgr.DetailAs(ctx, owner, "eu1", "erin")
	require.NoError(t, err)
	require.Equal(t, int64(42), d.Credential.OwnerID)

	_, err = e.mgr.DetailAs(ctx, owner, "eu1", "missing")
	require.ErrorIs(t, err, models.ErrUnknownCredential)

	list, err := e.mgr.List(ctx, "eu1", &stranger.ID)
	require.NoError(t, err)
	require.Empty(t, list)
	list, err = e.mgr.List(ctx, "eu1", nil)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, e.mgr.RevokeAs(ctx, admin, "eu1", "erin"))
}

func TestRebuildScheduleRevokesOverdue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now()

	// записи, оставшиеся от предыдущего запуска
	for i, exp := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour)} {
		name := fmt.Sprintf("user%d", i)
		require.NoError(t, e.store.SaveCredential(ctx, models.Credential{
			Name: name, ServerID: "eu1", ExpiresAt: ptr(exp), State: models.StateActive,
		}))
		e.backend.peers[name] = models.Peer{Name: name}
	}

	require.NoError(t, e.mgr.RebuildSchedule(ctx))

	_, err := e.store.GetCredential(ctx, "eu1", "user0")
	require.ErrorIs(t, err, storage.ErrNotFound)
	pending := e.sched.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "eu1/user1", pending[0].Key)
}

func TestExpiryTimerRevokes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "frank", ServerID: "eu1", ExpiresAt: ptr(time.Now().Add(50 * time.Millisecond))})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := e.store.GetCredential(ctx, "eu1", "frank")
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPurgeServer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "bob_1", ServerID: "eu1", ExpiresAt: ptr(time.Now().Add(time.Hour))})
	require.NoError(t, err)

	n, err := e.mgr.PurgeServer(ctx, "eu1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, e.sched.Pending())
	list, err := e.mgr.List(ctx, "", nil)
	require.NoError(t, err)
	require.Empty(t, list)
	require.Zero(t, e.backend.deletes)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("eu1/a")
	require.Equal(t, 1, k.size())
	unlock()
	require.Zero(t, k.size())
}

// Демон и команда CLI работают с одним каталогом данных, каждый со своим каталогом серверов
func TestExpiryOnServerAddedByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles")
	backend := &fakeBackend{profiles: profiles, peers: map[string]models.Peer{}}

	seed, err := storage.NewJSON(dir)
	require.NoError(t, err)
	require.NoError(t, seed.SaveServer(ctx, models.Server{ID: "eu1", Host: "1.2.3.4"}))
	require.NoError(t, seed.SetActiveServerID(ctx, "eu1"))

	process := func() (*registry.Registry, *Manager, *scheduler.Expirations) {
		store, err := storage.NewJSON(dir)
		require.NoError(t, err)
		reg, err := registry.New(ctx, store, profiles, logging.Discard())
		require.NoError(t, err)
		sched := scheduler.NewExpirations(logging.Discard())
		t.Cleanup(sched.Stop)
		mgr := New(Deps{
			Store: store, Backend: backend, Servers: reg, Scheduler: sched,
			ProfilesDir: profiles, Logger: logging.Discard(),
		})
		sched.SetHandler(mgr.Expire)
		return reg, mgr, sched
	}
	daemonReg, daemon, _ := process()
	cliReg, cli, cliSched := process()

	_, err = cliReg.Add(ctx, models.Server{ID: "eu2", Host: "5.6.7.8"})
	require.NoError(t, err)
	_, err = cli.Issue(ctx, IssueRequest{Name: "bob", ServerID: "eu2", ExpiresAt: ptr(time.Now().Add(100 * time.Millisecond))})
	require.NoError(t, err)
	cliSched.Stop()
	require.NoError(t, cliReg.SetActive(ctx, "eu2"))

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, daemon.Reconcile(ctx))

	_, err = seed.GetCredential(ctx, "eu2", "bob")
	require.ErrorIs(t, err, storage.ErrNotFound)
	backend.mu.Lock()
	require.Equal(t, 1, backend.deletes)
	require.NotContains(t, backend.peers, "bob")
	backend.mu.Unlock()

	require.NoError(t, daemon.CollectTraffic(ctx))
	active, ok := daemonReg.Active()
	require.True(t, ok)
	require.Equal(t, "eu2", active.ID)
}

func TestRevokeOnRemovedServerKeepsPeerUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Issue(ctx, IssueRequest{Name: "hank", ServerID: "eu1"})
	require.NoError(t, err)

	delete(e.mgr.servers.(*fakeServers).servers, "eu1")
	require.NoError(t, e.mgr.Revoke(ctx, "eu1", "hank", ReasonManual))

	require.Zero(t, e.backend.deletes)
	_, err = e.store.GetCredential(ctx, "eu1", "hank")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
