package envcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ilokitv/awgbot/internal/logging"
	"github.com/ilokitv/awgbot/internal/models"
	"github.com/ilokitv/awgbot/internal/transport/transporttest"
)

var server = models.Server{ID: "eu1", Container: "amnezia-awg", ConfigPath: "/opt/amnezia/awg/wg0.conf"}

func TestValidateReady(t *testing.T) {
	fake := transporttest.New().
		Reply("docker ps", "amnezia-awg\n").
		Reply("test -f", "")

	st, err := New(fake, logging.Discard()).Validate(context.Background(), server)
	require.NoError(t, err)
	require.True(t, st.Ready)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Contains(t, calls[0], "docker ps --filter name='amnezia-awg'")
	require.Contains(t, calls[1], "docker exec 'amnezia-awg' test -f '/opt/amnezia/awg/wg0.conf'")
}

func TestValidateContainerMissing(t *testing.T) {
	// фильтр docker ps совпадает по подстроке
	fake := transporttest.New().Reply("docker ps", "amnezia-awg-old\n")

	st, err := New(fake, logging.Discard()).Validate(context.Background(), server)
	require.NoError(t, err)
	require.False(t, st.Ready)
	require.Contains(t, st.Reason, "not running")
	require.Len(t, fake.Calls(), 1)
}

func TestValidateConfigMissing(t *testing.T) {
	fake := transporttest.New().
		Reply("docker ps", "amnezia-awg\n").
		Fail("test -f", 1, "")

	st, err := New(fake, logging.Discard()).Validate(context.Background(), server)
	require.NoError(t, err)
	require.False(t, st.Ready)
	require.Contains(t, st.Reason, "wg0.conf")
}

func TestValidateTransportFailure(t *testing.T) {
	fake := transporttest.New().Unreachable("docker ps")

	st, err := New(fake, logging.Discard()).Validate(context.Background(), server)
	require.Error(t, err)
	require.True(t, models.IsTransport(err))
	require.False(t, st.Ready)
}

func TestValidateDefaults(t *testing.T) {
	fake := transporttest.New().
		Reply("docker ps", models.DefaultContainer+"\n").
		Reply("test -f", "")

	st, err := New(fake, logging.Discard()).Validate(context.Background(), models.Server{ID: "local"})
	require.NoError(t, err)
	require.True(t, st.Ready)
	require.Contains(t, fake.Calls()[1], models.DefaultConfigPath)
}
