package main

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mixbag/pkg/application/service"
	"mixbag/pkg/config"
	"mixbag/pkg/infrastructure/grpcdoc"
	"mixbag/pkg/infrastructure/mirror"
	"mixbag/pkg/infrastructure/mongodoc"
	"mixbag/pkg/infrastructure/storage"
)

// app holds the wired components of one command run.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	inventory *service.Inventory
	closers   []func()
}

func (a *app) Close() {
	if a.inventory != nil {
		a.inventory.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openKeyValueStore(ctx context.Context, cfg *config.Config) (storage.KeyValueStore, error) {
	if cfg.StorageDriver == config.StorageMySQL {
		return storage.OpenMySQL(ctx, cfg.MySQLDSN)
	}
	return storage.NewFileStore(cfg.DataDir)
}

// openDocumentStore returns nil when no mirror is configured.
func openDocumentStore(ctx context.Context, cfg *config.Config, logger log.FieldLogger) (mirror.DocumentStore, func(), error) {
	switch cfg.MirrorDriver {
	case config.MirrorGRPC:
		client, err := grpcdoc.Dial(cfg.MirrorAddress, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case config.MirrorMongo:
		store, err := mongodoc.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close(context.Background()) }, nil
	}
	return nil, func() {}, nil
}

// newApp wires storage, the optional mirror and the inventory, then starts
// the inventory so its state is loaded and reconciled. A mirror that cannot
// be opened is logged and the app runs on local storage alone.
func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	kv, err := openKeyValueStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open local storage")
	}
	a.closers = append(a.closers, func() { _ = kv.Close() })
	adapter := storage.NewAdapter(kv, logger.WithField("component", "storage"))

	docs, closeDocs, err := openDocumentStore(ctx, cfg, logger.WithField("component", "mirror"))
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.MirrorDriver).Warn("remote mirror unavailable, running local only")
	} else {
		a.closers = append(a.closers, closeDocs)
	}

	var remote service.Mirror
	if docs != nil {
		remote = mirror.New(docs, cfg.DocumentID, logger.WithField("component", "mirror"),
			mirror.WithSyncTimeout(cfg.SyncTimeout))
	}

	a.inventory = service.NewInventory(adapter, remote, logger.WithField("component", "inventory"))
	if err := a.inventory.Start(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "start inventory")
	}
	return a, nil
}
