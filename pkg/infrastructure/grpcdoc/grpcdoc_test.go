package grpcdoc_test

import (
	"context"
	"net"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"mixbag/pkg/domain/model"
	"mixbag/pkg/infrastructure/grpcdoc"
	"mixbag/pkg/infrastructure/mirror"
)

func setup(t *testing.T) (*grpcdoc.Client, *mirror.MemoryStore) {
	logger, _ := logtest.NewNullLogger()
	store := mirror.NewMemoryStore()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	grpcdoc.RegisterDocumentServiceServer(server, grpcdoc.NewServer(store, logger))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	client, err := grpcdoc.Dial("passthrough:///bufnet", logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

func TestDocumentService(t *testing.T) {
	client, store := setup(t)
	ctx := context.Background()

	t.Run("Get of a missing document", func(t *testing.T) {
		_, err := client.Get(ctx, "shared-inventory")
		assert.ErrorIs(t, err, mirror.ErrDocumentNotFound)
	})

	t.Run("Set stamps lastUpdated on the server", func(t *testing.T) {
		updatedAt, err := client.Set(ctx, mirror.Document{
			ID:       "shared-inventory",
			Snapshot: model.Snapshot{Settings: model.Settings{ReorderThreshold: 55}},
			Origin:   "client-a",
			Revision: 3,
		})
		require.NoError(t, err)
		assert.False(t, updatedAt.IsZero())

		doc, err := client.Get(ctx, "shared-inventory")
		require.NoError(t, err)
		assert.Equal(t, "client-a", doc.Origin)
		assert.Equal(t, int64(3), doc.Revision)
		assert.Equal(t, 55, doc.Snapshot.Settings.ReorderThreshold)
		assert.True(t, updatedAt.Equal(doc.UpdatedAt))
	})

	t.Run("Set without an id is rejected", func(t *testing.T) {
		_, err := client.Set(ctx, mirror.Document{})
		assert.Error(t, err)
	})

	t.Run("Watch streams later writes", func(t *testing.T) {
		watchCtx, cancel := context.WithCancel(ctx)
		docs, err := client.Watch(watchCtx, "shared-inventory")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return store.Watchers("shared-inventory") == 1 }, 2*time.Second, 10*time.Millisecond)

		_, err = store.Set(ctx, mirror.Document{ID: "shared-inventory", Origin: "client-b", Revision: 1})
		require.NoError(t, err)

		select {
		case doc := <-docs:
			assert.Equal(t, "client-b", doc.Origin)
		case <-time.After(2 * time.Second):
			t.Fatal("no document received")
		}

		cancel()
		assert.Eventually(t, func() bool { return store.Watchers("shared-inventory") == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestMirrorOverGRPC(t *testing.T) {
	client, store := setup(t)
	logger, _ := logtest.NewNullLogger()
	local := mirror.New(client, "", logger)
	other := mirror.New(client, "", logger)

	sub, err := local.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return store.Watchers(mirror.DefaultDocumentID) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, other.PushSnapshot(model.Snapshot{Settings: model.Settings{ReorderThreshold: 8}}))
	other.Wait()

	select {
	case snapshot := <-sub.Events():
		assert.Equal(t, 8, snapshot.Settings.ReorderThreshold)
	case <-time.After(2 * time.Second):
		t.Fatal("no remote event received")
	}

	pulled, err := local.PullSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pulled)
	assert.Equal(t, 8, pulled.Settings.ReorderThreshold)
}
