package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilokitv/awgbot/internal/logging"
	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/storage"
)

func newRegistry(t *testing.T) (*Registry, *storage.JSON, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSON(dir)
	require.NoError(t, err)
	profiles := filepath.Join(dir, "profiles")
	r, err := New(context.Background(), store, profiles, logging.Discard())
	require.NoError(t, err)
	return r, store, profiles
}

func TestAddValidatesAndRejectsDuplicates(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, models.Server{ID: "eu 1", Host: "1.2.3.4"})
	require.ErrorIs(t, err, models.ErrInvalidIdentifier)

	s, err := r.Add(ctx, models.Server{ID: "eu1", Host: "1.2.3.4", IsRemote: true})
	require.NoError(t, err)
	require.Equal(t, models.DefaultSSHPort, s.Port)
	require.Equal(t, models.DefaultContainer, s.Container)
	require.Equal(t, models.DefaultConfigPath, s.ConfigPath)
	require.False(t, s.CreatedAt.IsZero())

	_, err = r.Add(ctx, models.Server{ID: "eu1", Host: "5.6.7.8"})
	require.ErrorIs(t, err, models.ErrDuplicateServer)
}

func TestListSortedAndPersisted(t *testing.T) {
	r, store, profiles := newRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"us1", "eu1", "asia"} {
		_, err := r.Add(ctx, models.Server{ID: id, Host: id + ".example.com"})
		require.NoError(t, err)
	}
	require.NoError(t, r.SetActive(ctx, "us1"))

	ids := func(list []models.Server) []string {
		var out []string
		for _, s := range list {
			out = append(out, s.ID)
		}
		return out
	}
	require.Equal(t, []string{"asia", "eu1", "us1"}, ids(r.List()))

	reloaded, err := New(ctx, store, profiles, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, []string{"asia", "eu1", "us1"}, ids(reloaded.List()))
	active, ok := reloaded.Active()
	require.True(t, ok)
	require.Equal(t, "us1", active.ID)
}

func TestActiveContext(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Require()
	require.ErrorIs(t, err, models.ErrNoActiveServer)

	require.ErrorIs(t, r.SetActive(ctx, "missing"), models.ErrUnknownServer)

	_, err = r.Add(ctx, models.Server{ID: "eu1", Host: "1.2.3.4"})
	require.NoError(t, err)
	require.NoError(t, r.SetActive(ctx, "eu1"))
	s, err := r.Require()
	require.NoError(t, err)
	require.Equal(t, "eu1", s.ID)
}

func TestRemoveCascades(t *testing.T) {
	r, store, profiles := newRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, models.Server{ID: "eu1", Host: "1.2.3.4"})
	require.NoError(t, err)
	_, err = r.Add(ctx, models.Server{ID: "us1", Host: "5.6.7.8"})
	require.NoError(t, err)
	require.NoError(t, r.SetActive(ctx, "eu1"))

	require.NoError(t, store.SaveCredential(ctx, models.Credential{Name: "bob_1", ServerID: "eu1", State: models.StateActive}))
	require.NoError(t, store.SaveCredential(ctx, models.Credential{Name: "carol", ServerID: "us1", State: models.StateActive}))
	require.NoError(t, store.SaveTraffic(ctx, models.TrafficRecord{CredentialName: "bob_1", ServerID: "eu1", TotalIncoming: 10}))
	require.NoError(t, store.RecordConnection(ctx, "eu1", "bob_1", models.Connection{IP: "8.8.8.8", SeenAt: time.Now()}))
	dir := models.ProfileDir(profiles, "eu1", "bob", "bob_1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.ErrorIs(t, r.Remove(ctx, "missing"), models.ErrUnknownServer)
	require.NoError(t, r.Remove(ctx, "eu1"))

	_, ok := r.Active()
	require.False(t, ok)
	_, err = r.Get("eu1")
	require.ErrorIs(t, err, models.ErrUnknownServer)

	_, err = store.GetCredential(ctx, "eu1", "bob_1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetTraffic(ctx, "eu1", "bob_1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	conns, err := store.ListConnections(ctx, "eu1", "bob_1")
	require.NoError(t, err)
	require.Empty(t, conns)
	require.NoDirExists(t, filepath.Join(profiles, "eu1"))

	_, err = store.GetCredential(ctx, "us1", "carol")
	require.NoError(t, err)
}

func TestBootstrap(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Bootstrap(ctx)
	require.ErrorIs(t, err, models.ErrNoServerConfigured)

	for _, id := range []string{"us1", "eu1"} {
		_, err := r.Add(ctx, models.Server{ID: id, Host: id})
		require.NoError(t, err)
	}
	s, err := r.Bootstrap(ctx)
	require.NoError(t, err)
	require.Equal(t, "eu1", s.ID)

	require.NoError(t, r.SetActive(ctx, "us1"))
	s, err = r.Bootstrap(ctx)
	require.NoError(t, err)
	require.Equal(t, "us1", s.ID)
}

func TestReloadPicksUpChangesFromStore(t *testing.T) {
	r, store, profiles := newRegistry(t)
	ctx := context.Background()
	_, err := r.Add(ctx, models.Server{ID: "eu1", Host: "1.2.3.4"})
	require.NoError(t, err)
	require.NoError(t, r.SetActive(ctx, "eu1"))

	// другой процесс с тем же хранилищем
	other, err := New(ctx, store, profiles, logging.Discard())
	require.NoError(t, err)
	_, err = other.Add(ctx, models.Server{ID: "us1", Host: "5.6.7.8"})
	require.NoError(t, err)
	require.NoError(t, other.SetActive(ctx, "us1"))

	_, err = r.Get("us1")
	require.ErrorIs(t, err, models.ErrUnknownServer)

	require.NoError(t, r.Reload(ctx))
	s, err := r.Get("us1")
	require.NoError(t, err)
	require.Equal(t, "5.6.7.8", s.Host)
	active, ok := r.Active()
	require.True(t, ok)
	require.Equal(t, "us1", active.ID)

	require.NoError(t, other.Remove(ctx, "us1"))
	require.NoError(t, r.Reload(ctx))
	_, ok = r.Active()
	require.False(t, ok)
	require.Len(t, r.List(), 1)
}
