package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mixbag/pkg/domain/model"
	domainservice "mixbag/pkg/domain/service"
	"mixbag/pkg/infrastructure/mirror"
	"mixbag/pkg/infrastructure/storage"
)

// Persistence is the durable local store of the ledger.
type Persistence interface {
	Load(ctx context.Context) model.Snapshot
	Save(ctx context.Context, snapshot model.Snapshot, collections ...model.Collection)
	Clear(ctx context.Context)
	Export(snapshot model.Snapshot) ([]byte, error)
}

// Mirror is the remote copy of the ledger.
type Mirror interface {
	PushSnapshot(snapshot model.Snapshot) bool
	PullSnapshot(ctx context.Context) (*model.Snapshot, error)
	Subscribe(ctx context.Context) (*mirror.Subscription, error)
	Resubscribe(ctx context.Context) (*mirror.Subscription, error)
	BeginApply()
	EndApply()
	Wait()
}

// DefaultRetryDelay is the pause before a lost remote subscription is reopened.
const DefaultRetryDelay = 2 * time.Second

// Inventory owns the ledger and keeps it in step with local persistence and
// the optional remote mirror. It is the ledger's event dispatcher: every
// mutation saves the touched collections and then pushes the whole snapshot.
type Inventory struct {
	ledger      domainservice.LedgerService
	persistence Persistence
	mirror      Mirror
	logger      logrus.FieldLogger
	pushEnabled atomic.Bool
	retryDelay  time.Duration

	// syncMu orders saves and pushes so each one reads the latest ledger state.
	syncMu sync.Mutex
}

// NewInventory builds an inventory. remote may be nil to run without a mirror.
func NewInventory(persistence Persistence, remote Mirror, logger logrus.FieldLogger, opts ...domainservice.Option) *Inventory {
	i := &Inventory{
		persistence: persistence,
		mirror:      remote,
		logger:      logger,
		retryDelay:  DefaultRetryDelay,
	}
	i.ledger = domainservice.NewLedgerService(i, opts...)
	return i
}

func (i *Inventory) Ledger() domainservice.LedgerService {
	return i.ledger
}

func (i *Inventory) Dispatch(event domainservice.Event) error {
	ctx := context.Background()

	i.syncMu.Lock()
	defer i.syncMu.Unlock()

	snapshot := i.ledger.Snapshot()

	if _, ok := event.(model.StoreCleared); ok {
		i.persistence.Clear(ctx)
	} else if collections := event.Collections(); len(collections) > 0 {
		i.persistence.Save(ctx, snapshot, collections...)
	}
	i.logger.WithField("event", event.Type()).Debug("ledger changed")

	if i.mirror != nil && i.pushEnabled.Load() {
		i.mirror.PushSnapshot(snapshot)
	}
	return nil
}

// Start loads local state, seeds empty families and reconciles once with the
// mirror: an existing remote snapshot replaces local state, otherwise local
// state is pushed. Pushes on mutation are enabled only afterwards.
func (i *Inventory) Start(ctx context.Context) error {
	i.ledger.Restore(i.persistence.Load(ctx))

	for _, family := range model.Families {
		if len(i.ledger.Items(family)) == 0 {
			seeded := i.ledger.SeedDefaults(family)
			i.logger.WithFields(logrus.Fields{"family": family, "items": len(seeded)}).Info("seeded default catalog")
		}
	}

	if i.mirror != nil {
		remote, err := i.mirror.PullSnapshot(ctx)
		switch {
		case err != nil:
			i.logger.WithError(err).Warn("initial remote pull failed, keeping local state")
		case remote != nil:
			i.applyRemote(*remote)
		default:
			i.logger.Info("no remote snapshot, pushing local state")
			i.mirror.PushSnapshot(i.ledger.Snapshot())
		}
	}

	i.pushEnabled.Store(true)
	return nil
}

// Run applies remote snapshots until ctx is cancelled. A subscription that
// fails or closes is reopened after the retry delay, catching up on the
// current remote document.
func (i *Inventory) Run(ctx context.Context) error {
	if i.mirror == nil {
		<-ctx.Done()
		return nil
	}

	subscribe := i.mirror.Subscribe
	for {
		sub, err := subscribe(ctx)
		if err != nil {
			i.logger.WithError(err).Warn("remote subscription failed, retrying")
		} else {
			i.follow(ctx, sub)
			sub.Unsubscribe()
		}
		subscribe = i.mirror.Resubscribe

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(i.retryDelay):
		}
	}
}

func (i *Inventory) follow(ctx context.Context, sub *mirror.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-sub.Events():
			if !ok {
				if ctx.Err() == nil {
					i.logger.Warn("remote subscription closed, resubscribing")
				}
				return
			}
			i.applyRemote(snapshot)
		}
	}
}

// applyRemote replaces the whole local state with snapshot. The local save
// still happens but the mirror drops the resulting push.
func (i *Inventory) applyRemote(snapshot model.Snapshot) {
	i.mirror.BeginApply()
	defer i.mirror.EndApply()

	i.ledger.Apply(snapshot.Patch())
	i.logger.WithFields(logrus.Fields{
		"bags":  len(snapshot.Bags),
		"boxes": len(snapshot.Boxes),
	}).Info("applied remote snapshot")
}

// Close waits for in-flight pushes.
func (i *Inventory) Close() {
	if i.mirror != nil {
		i.mirror.Wait()
	}
}

func (i *Inventory) Export() ([]byte, error) {
	return i.persistence.Export(i.ledger.Snapshot())
}

// Import applies a possibly partial export document. Only the collections
// present in data are replaced; nothing changes when data is malformed.
func (i *Inventory) Import(data []byte) ([]model.Collection, error) {
	patch, err := storage.ParseImport(data)
	if err != nil {
		return nil, errors.Wrap(err, "import")
	}
	i.ledger.Apply(patch)
	return patch.Collections(), nil
}

// Clear erases both families and resets settings.
func (i *Inventory) Clear() {
	i.ledger.Clear()
}

// UpdateItem renames an item and changes its threshold, either of which may be
// nil. Both changes reach the mirror as one push.
func (i *Inventory) UpdateItem(family model.Family, itemID string, name *string, threshold *int) (*model.Item, error) {
	if threshold != nil && *threshold < 0 {
		return nil, model.ErrInvalidThreshold
	}
	item, err := i.ledger.Item(family, itemID)
	if err != nil {
		return nil, err
	}
	i.batch(func() {
		if name != nil {
			if item, err = i.ledger.RenameItem(family, itemID, *name); err != nil {
				return
			}
		}
		if threshold != nil {
			item, err = i.ledger.SetItemThreshold(family, itemID, *threshold)
		}
	})
	return item, err
}

// Reset clears everything and reseeds the default catalog.
func (i *Inventory) Reset() {
	i.batch(func() {
		i.ledger.Clear()
		i.ledger.InitializeDefaults()
	})
}

// batch runs several ledger mutations and pushes the result once.
func (i *Inventory) batch(fn func()) {
	enabled := i.pushEnabled.Swap(false)
	fn()
	if !enabled {
		return
	}
	i.pushEnabled.Store(true)
	if i.mirror != nil {
		i.syncMu.Lock()
		i.mirror.PushSnapshot(i.ledger.Snapshot())
		i.syncMu.Unlock()
	}
}
