package service_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixbag/pkg/application/service"
	"mixbag/pkg/domain/model"
	"mixbag/pkg/infrastructure/mirror"
	"mixbag/pkg/infrastructure/storage"
)

const docID = "shared-inventory"

type fixture struct {
	inventory *service.Inventory
	adapter   *storage.Adapter
	remote    *mirror.MemoryStore
	mirror    *mirror.Mirror
	logger    logrus.FieldLogger
}

func newAdapter(t *testing.T, dir string, logger logrus.FieldLogger) *storage.Adapter {
	t.Helper()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	return storage.NewAdapter(store, logger)
}

// setup builds an inventory over a file store in a fresh directory and, when
// remote is not nil, a mirror of it.
func setup(t *testing.T, remote *mirror.MemoryStore) *fixture {
	logger, _ := logtest.NewNullLogger()
	f := &fixture{
		adapter: newAdapter(t, t.TempDir(), logger),
		remote:  remote,
		logger:  logger,
	}
	if remote == nil {
		f.inventory = service.NewInventory(f.adapter, nil, logger)
		return f
	}
	f.mirror = mirror.New(remote, docID, logger)
	f.inventory = service.NewInventory(f.adapter, f.mirror, logger)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.inventory.Start(context.Background()))
	f.inventory.Close()
}

func remoteDoc(t *testing.T, store *mirror.MemoryStore) *mirror.Document {
	t.Helper()
	doc, err := store.Get(context.Background(), docID)
	require.NoError(t, err)
	return doc
}

func findLine(t *testing.T, lines []service.StockLine, name string) service.StockLine {
	t.Helper()
	for _, line := range lines {
		if line.Item.Name == name {
			return line
		}
	}
	t.Fatalf("no stock line for %q", name)
	return service.StockLine{}
}

func TestStartWithoutMirror(t *testing.T) {
	f := setup(t, nil)
	f.start(t)
	ctx := context.Background()

	t.Run("Empty store is seeded with the catalog", func(t *testing.T) {
		assert.Len(t, f.inventory.Ledger().Items(model.Bags), 19)
		assert.Len(t, f.inventory.Ledger().Items(model.Boxes), 19)
		assert.Equal(t, model.DefaultSettings(), f.inventory.Ledger().Settings())
	})

	t.Run("Seeded state is durable", func(t *testing.T) {
		loaded := f.adapter.Load(ctx)
		assert.Len(t, loaded.Bags, 19)
		assert.Len(t, loaded.Boxes, 19)
	})

	t.Run("Mutations are saved", func(t *testing.T) {
		rich := findLine(t, f.inventory.StockLevels(model.Bags), "Rich")
		_, err := f.inventory.Ledger().RecordTransaction(model.Bags, rich.Item.ID, 5000, model.Ordered)
		require.NoError(t, err)

		loaded := f.adapter.Load(ctx)
		require.Len(t, loaded.BagTransactions, 1)
		assert.Equal(t, 5000, loaded.BagTransactions[0].Quantity)
	})

	t.Run("A restarted inventory keeps existing items", func(t *testing.T) {
		restarted := service.NewInventory(f.adapter, nil, f.logger)
		require.NoError(t, restarted.Start(ctx))

		assert.Equal(t, f.inventory.Ledger().Items(model.Bags), restarted.Ledger().Items(model.Bags))
		assert.Len(t, restarted.Ledger().Snapshot().BagTransactions, 1)
	})
}

func TestStockLevels(t *testing.T) {
	f := setup(t, nil)
	f.start(t)
	ledger := f.inventory.Ledger()

	rich := findLine(t, f.inventory.StockLevels(model.Bags), "Rich")
	_, err := ledger.RecordTransaction(model.Bags, rich.Item.ID, 5000, model.Ordered)
	require.NoError(t, err)
	_, err = ledger.RecordTransaction(model.Bags, rich.Item.ID, 1200, model.Used)
	require.NoError(t, err)

	mint := findLine(t, f.inventory.StockLevels(model.Boxes), "Mint")
	_, err = ledger.RecordTransaction(model.Boxes, mint.Item.ID, 3, model.Made)
	require.NoError(t, err)

	t.Run("Bag below threshold needs reordering", func(t *testing.T) {
		line := findLine(t, f.inventory.StockLevels(model.Bags), "Rich")
		assert.Equal(t, 3800, line.Stock)
		assert.Equal(t, model.StockTotals{Inbound: 5000, Used: 1200}, line.Totals)
		assert.Equal(t, model.StatusReorder, line.Status)
	})

	t.Run("Box at the cutoff is ok", func(t *testing.T) {
		line := findLine(t, f.inventory.StockLevels(model.Boxes), "Mint")
		assert.Equal(t, 3, line.Stock)
		assert.Equal(t, model.StatusOK, line.Status)
	})

	t.Run("Needs attention skips ok items", func(t *testing.T) {
		assert.Len(t, f.inventory.NeedsAttention(model.Bags), 19)
		assert.Len(t, f.inventory.NeedsAttention(model.Boxes), 18)
	})
}

func TestStartWithMirror(t *testing.T) {
	ctx := context.Background()

	t.Run("Local state is pushed when no remote document exists", func(t *testing.T) {
		remote := mirror.NewMemoryStore()
		f := setup(t, remote)
		f.start(t)

		doc := remoteDoc(t, remote)
		assert.Equal(t, f.mirror.Origin(), doc.Origin)
		assert.Len(t, doc.Snapshot.Bags, 19)
	})

	t.Run("Remote document replaces local state", func(t *testing.T) {
		remote := mirror.NewMemoryStore()
		_, err := remote.Set(ctx, mirror.Document{
			ID: docID,
			Snapshot: model.Snapshot{
				Bags:     []model.Item{{ID: "remote-bag", Name: "Remote Rich", ReorderThreshold: 10}},
				Boxes:    []model.Item{},
				Settings: model.Settings{ReorderThreshold: 77},
			},
			Origin:   "other-client",
			Revision: 4,
		})
		require.NoError(t, err)

		f := setup(t, remote)
		f.start(t)

		items := f.inventory.Ledger().Items(model.Bags)
		require.Len(t, items, 1)
		assert.Equal(t, "Remote Rich", items[0].Name)
		assert.Empty(t, f.inventory.Ledger().Items(model.Boxes))
		assert.Equal(t, 77, f.inventory.Ledger().Settings().ReorderThreshold)

		loaded := f.adapter.Load(ctx)
		assert.Len(t, loaded.Bags, 1)
		assert.Equal(t, 77, loaded.Settings.ReorderThreshold)

		assert.Equal(t, "other-client", remoteDoc(t, remote).Origin, "applying a remote snapshot must not push")
	})

	t.Run("Local mutations push the whole snapshot", func(t *testing.T) {
		remote := mirror.NewMemoryStore()
		f := setup(t, remote)
		f.start(t)

		_, _, err := f.inventory.Ledger().AddFlavour("Licorice")
		require.NoError(t, err)
		f.inventory.Close()

		doc := remoteDoc(t, remote)
		assert.Len(t, doc.Snapshot.Bags, 20)
		assert.Len(t, doc.Snapshot.Boxes, 20)
		assert.Equal(t, int64(2), doc.Revision)
	})
}

func TestRunAppliesRemoteChanges(t *testing.T) {
	remote := mirror.NewMemoryStore()
	f := setup(t, remote)
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.inventory.Run(ctx) }()
	require.Eventually(t, func() bool { return remote.Watchers(docID) == 1 }, 2*time.Second, 10*time.Millisecond)

	other := mirror.New(remote, docID, f.logger)
	pushed := model.Snapshot{
		Bags:     []model.Item{{ID: "b1", Name: "Cherry", ReorderThreshold: 3000}},
		Boxes:    []model.Item{{ID: "x1", Name: "Cherry", ReorderThreshold: 2}},
		Settings: model.Settings{ReorderThreshold: 5},
	}
	require.True(t, other.PushSnapshot(pushed))
	other.Wait()

	require.Eventually(t, func() bool {
		return f.adapter.Load(context.Background()).Settings.ReorderThreshold == 5
	}, 2*time.Second, 10*time.Millisecond)
	// Returns once the remote apply has released the mirror.
	f.mirror.BeginApply()
	f.mirror.EndApply()

	t.Run("Remote replaces local", func(t *testing.T) {
		items := f.inventory.Ledger().Items(model.Bags)
		require.Len(t, items, 1)
		assert.Equal(t, "b1", items[0].ID)
	})

	t.Run("Remote state is saved locally", func(t *testing.T) {
		assert.Equal(t, 5, f.adapter.Load(context.Background()).Settings.ReorderThreshold)
	})

	t.Run("Applied remote state is not pushed back", func(t *testing.T) {
		f.inventory.Close()
		assert.Equal(t, other.Origin(), remoteDoc(t, remote).Origin)
	})

	t.Run("Local mutations after a remote change are pushed", func(t *testing.T) {
		_, err := f.inventory.Ledger().AddItem(model.Bags, "Orange", nil)
		require.NoError(t, err)
		f.inventory.Close()

		doc := remoteDoc(t, remote)
		assert.Equal(t, f.mirror.Origin(), doc.Origin)
		assert.Len(t, doc.Snapshot.Bags, 2)
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestExportImport(t *testing.T) {
	f := setup(t, nil)
	f.start(t)
	ledger := f.inventory.Ledger()

	rich := findLine(t, f.inventory.StockLevels(model.Bags), "Rich")
	_, err := ledger.RecordTransaction(model.Bags, rich.Item.ID, 400, model.Ordered)
	require.NoError(t, err)
	before := ledger.Snapshot()

	data, err := f.inventory.Export()
	require.NoError(t, err)

	t.Run("Export then import into a cleared store", func(t *testing.T) {
		f.inventory.Clear()
		require.Empty(t, ledger.Items(model.Bags))

		collections, err := f.inventory.Import(data)

		require.NoError(t, err)
		assert.ElementsMatch(t, model.AllCollections, collections)
		assert.Equal(t, before.Bags, ledger.Items(model.Bags))
		assert.Equal(t, before.BagTransactions, ledger.Snapshot().BagTransactions)
		assert.Equal(t, 400, ledger.Stock(model.Bags, rich.Item.ID))
	})

	t.Run("Settings-only import leaves items untouched", func(t *testing.T) {
		_, err := f.inventory.Import([]byte(`{"settings":{"reorderThreshold":12}}`))

		require.NoError(t, err)
		assert.Equal(t, 12, ledger.Settings().ReorderThreshold)
		assert.Equal(t, before.Bags, ledger.Items(model.Bags))
		assert.Len(t, ledger.Snapshot().BagTransactions, 1)
	})

	t.Run("Malformed import changes nothing", func(t *testing.T) {
		snapshot := ledger.Snapshot()

		_, err := f.inventory.Import([]byte(`{"bags": [{"name": "no id"}]}`))

		assert.ErrorIs(t, err, storage.ErrInvalidFormat)
		assert.Equal(t, snapshot, ledger.Snapshot())
	})

	t.Run("Legacy items without a threshold get the catalog default", func(t *testing.T) {
		_, err := f.inventory.Import([]byte(`{
			"products": [{"id":"p1","name":"Rich"}],
			"transactions": [{"id":"t1","productId":"p1","productName":"Rich","quantity":100,"type":"ordered","date":"2024-05-01T09:00:00Z"}]
		}`))
		require.NoError(t, err)

		line := findLine(t, f.inventory.StockLevels(model.Bags), "Rich")
		assert.Equal(t, 5000, line.Item.ReorderThreshold)
		assert.Equal(t, 100, line.Stock)
		assert.Equal(t, model.StatusReorder, line.Status)

		restarted := service.NewInventory(f.adapter, nil, f.logger)
		require.NoError(t, restarted.Start(context.Background()))
		line = findLine(t, restarted.StockLevels(model.Bags), "Rich")
		assert.Equal(t, 5000, line.Item.ReorderThreshold)
		assert.Equal(t, model.StatusReorder, line.Status)
	})
}

func TestClearAndReset(t *testing.T) {
	ctx := context.Background()
	remote := mirror.NewMemoryStore()
	f := setup(t, remote)
	f.start(t)
	ledger := f.inventory.Ledger()
	require.NoError(t, ledger.UpdateSettings(model.Settings{ReorderThreshold: 9}))
	f.inventory.Close()

	t.Run("Clear empties the store and resets settings", func(t *testing.T) {
		f.inventory.Clear()
		f.inventory.Close()

		assert.Empty(t, ledger.Items(model.Bags))
		assert.Empty(t, ledger.Items(model.Boxes))
		assert.Equal(t, model.DefaultSettings(), ledger.Settings())

		loaded := f.adapter.Load(ctx)
		assert.Empty(t, loaded.Bags)
		assert.Equal(t, model.DefaultSettings(), loaded.Settings)

		assert.Empty(t, remoteDoc(t, remote).Snapshot.Bags)
	})

	t.Run("Reset reseeds and pushes once", func(t *testing.T) {
		before := remoteDoc(t, remote).Revision

		f.inventory.Reset()
		f.inventory.Close()

		assert.Len(t, ledger.Items(model.Bags), 19)
		assert.Len(t, ledger.Items(model.Boxes), 19)
		assert.Empty(t, ledger.Snapshot().BagTransactions)

		doc := remoteDoc(t, remote)
		assert.Equal(t, before+1, doc.Revision)
		assert.Len(t, doc.Snapshot.Bags, 19)
		assert.Len(t, f.adapter.Load(ctx).Boxes, 19)
	})
}

func TestUpdateItem(t *testing.T) {
	remote := mirror.NewMemoryStore()
	f := setup(t, remote)
	f.start(t)
	rich := findLine(t, f.inventory.StockLevels(model.Bags), "Rich")
	before := remoteDoc(t, remote).Revision

	t.Run("Rename and threshold in one push", func(t *testing.T) {
		name, threshold := "Rich Dark", 4200

		item, err := f.inventory.UpdateItem(model.Bags, rich.Item.ID, &name, &threshold)
		f.inventory.Close()

		require.NoError(t, err)
		assert.Equal(t, "Rich Dark", item.Name)
		assert.Equal(t, 4200, item.ReorderThreshold)

		doc := remoteDoc(t, remote)
		assert.Equal(t, before+1, doc.Revision)
		assert.Equal(t, "Rich Dark", doc.Snapshot.Bags[0].Name)
	})

	t.Run("Negative threshold changes nothing", func(t *testing.T) {
		name, threshold := "Other", -1

		_, err := f.inventory.UpdateItem(model.Bags, rich.Item.ID, &name, &threshold)

		assert.ErrorIs(t, err, model.ErrInvalidThreshold)
		item, err := f.inventory.Ledger().Item(model.Bags, rich.Item.ID)
		require.NoError(t, err)
		assert.Equal(t, "Rich Dark", item.Name)
	})

	t.Run("Unknown item", func(t *testing.T) {
		_, err := f.inventory.UpdateItem(model.Bags, "missing", nil, nil)
		assert.ErrorIs(t, err, model.ErrItemNotFound)
	})
}

// holdingPersistence keeps the last saved bag log and, once hold is called,
// blocks the next Save until release is closed.
type holdingPersistence struct {
	mu      sync.Mutex
	saved   []model.Transaction
	entered chan struct{}
	release chan struct{}
}

func (p *holdingPersistence) hold() (entered, release chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entered = make(chan struct{})
	p.release = make(chan struct{})
	return p.entered, p.release
}

func (p *holdingPersistence) Load(context.Context) model.Snapshot {
	return model.Snapshot{Settings: model.DefaultSettings()}
}

func (p *holdingPersistence) Save(_ context.Context, snapshot model.Snapshot, collections ...model.Collection) {
	p.mu.Lock()
	entered, release := p.entered, p.release
	p.entered = nil
	p.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}

	if slices.Contains(collections, model.BagTransactions) {
		p.mu.Lock()
		p.saved = snapshot.BagTransactions
		p.mu.Unlock()
	}
}

func (p *holdingPersistence) Clear(context.Context) {}

func (p *holdingPersistence) Export(model.Snapshot) ([]byte, error) { return nil, nil }

func (p *holdingPersistence) savedTransactions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func TestConcurrentMutationsSaveLatestState(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	persistence := &holdingPersistence{}
	inventory := service.NewInventory(persistence, nil, logger)
	require.NoError(t, inventory.Start(context.Background()))
	ledger := inventory.Ledger()
	rich := ledger.Items(model.Bags)[0]

	entered, release := persistence.hold()
	var wg sync.WaitGroup
	record := func() {
		defer wg.Done()
		_, err := ledger.RecordTransaction(model.Bags, rich.ID, 10, model.Ordered)
		assert.NoError(t, err)
	}

	wg.Add(1)
	go record()
	<-entered

	wg.Add(1)
	go record()
	require.Eventually(t, func() bool {
		return len(ledger.Snapshot().BagTransactions) == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, 2, persistence.savedTransactions())
}

// droppingStore closes one open watch stream for every value sent on drop.
type droppingStore struct {
	*mirror.MemoryStore
	drop chan struct{}
}

func (s *droppingStore) Watch(ctx context.Context, id string) (<-chan mirror.Document, error) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-s.drop:
		case <-ctx.Done():
		}
	}()
	return s.MemoryStore.Watch(ctx, id)
}

func TestRunResubscribesAfterStreamLoss(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	remote := mirror.NewMemoryStore()
	store := &droppingStore{MemoryStore: remote, drop: make(chan struct{})}
	m := mirror.New(store, docID, logger)
	adapter := newAdapter(t, t.TempDir(), logger)
	inventory := service.NewInventory(adapter, m, logger)
	inventory.SetRetryDelay(10 * time.Millisecond)
	require.NoError(t, inventory.Start(context.Background()))
	inventory.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inventory.Run(ctx) }()
	require.Eventually(t, func() bool { return remote.Watchers(docID) == 1 }, 2*time.Second, 10*time.Millisecond)

	store.drop <- struct{}{}
	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message == "remote subscription closed, resubscribing" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	other := mirror.New(remote, docID, logger)
	pushed := inventory.Ledger().Snapshot()
	pushed.Settings = model.Settings{ReorderThreshold: 7}
	require.True(t, other.PushSnapshot(pushed))
	other.Wait()

	require.Eventually(t, func() bool {
		return inventory.Ledger().Settings().ReorderThreshold == 7
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, remote.Watchers(docID))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
