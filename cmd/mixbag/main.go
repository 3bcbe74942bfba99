package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"mixbag/pkg/config"
	"mixbag/pkg/domain/model"
	"mixbag/pkg/infrastructure/grpcdoc"
	"mixbag/pkg/infrastructure/mirror"
	"mixbag/pkg/infrastructure/mongodoc"
	"mixbag/pkg/infrastructure/report"
	"mixbag/pkg/infrastructure/storage"
	"mixbag/pkg/infrastructure/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cliApp := &cli.App{
		Name:  "mixbag",
		Usage: "flavour stock ledger for bags and boxes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "optional dotenv file"},
			&cli.StringFlag{Name: "data-dir", Usage: "override MIXBAG_DATA_DIR"},
			&cli.StringFlag{Name: "storage-driver", Usage: "override MIXBAG_STORAGE_DRIVER (file|mysql)"},
		},
		Commands: []*cli.Command{
			{Name: "serve", Usage: "run the HTTP API and follow the remote mirror", Action: serve},
			{
				Name:   "export",
				Usage:  "write an export document",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "file to write, defaults to the dated backup name"}},
				Action: exportSnapshot,
			},
			{Name: "import", Usage: "apply an export document", ArgsUsage: "FILE", Action: importSnapshot},
			{Name: "clear", Usage: "erase every item, transaction and setting", Action: clearInventory},
			{Name: "reset", Usage: "clear, then reseed the default catalog", Action: resetInventory},
			{
				Name:   "stock",
				Usage:  "print stock levels",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "family", Value: string(model.Bags), Usage: "bags or boxes"}},
				Action: printStock,
			},
			{
				Name:   "report",
				Usage:  "write the stock workbook",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "inventory-report.xlsx"}},
				Action: writeReport,
			},
			{Name: "mirror-server", Usage: "serve the shared remote document over gRPC", Action: mirrorServer},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.WithError(err).Fatal("mixbag failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return nil, nil, err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if driver := c.String("storage-driver"); driver != "" {
		cfg.StorageDriver = driver
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp runs action against a started inventory and closes it afterwards.
func withApp(c *cli.Context, action func(a *app) error) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := newApp(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return action(a)
}

func serve(c *cli.Context) error {
	return withApp(c, func(a *app) error {
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		srv := &http.Server{
			Addr:    a.cfg.HTTPAddress,
			Handler: transport.Router(a.inventory, a.logger.WithField("component", "http")),
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.logger.WithField("url", a.cfg.HTTPAddress).Info("Starting server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serve http")
			}
			return nil
		})
		g.Go(func() error {
			return a.inventory.Run(ctx)
		})
		g.Go(func() error {
			waitForKillSignal(ctx, a.logger)
			cancel()

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	})
}

func exportSnapshot(c *cli.Context) error {
	return withApp(c, func(a *app) error {
		data, err := a.inventory.Export()
		if err != nil {
			return err
		}
		path := c.String("output")
		if path == "" {
			path = storage.ExportFilename(time.Now())
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
		a.logger.WithField("file", path).Info("inventory exported")
		return nil
	})
}

func importSnapshot(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("import needs a file argument")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return withApp(c, func(a *app) error {
		collections, err := a.inventory.Import(data)
		if err != nil {
			return err
		}
		a.logger.WithFields(log.Fields{"file": path, "collections": collections}).Info("inventory imported")
		return nil
	})
}

func clearInventory(c *cli.Context) error {
	return withApp(c, func(a *app) error {
		a.inventory.Clear()
		a.logger.Warn("inventory cleared")
		return nil
	})
}

func resetInventory(c *cli.Context) error {
	return withApp(c, func(a *app) error {
		a.inventory.Reset()
		a.logger.Warn("inventory reset to defaults")
		return nil
	})
}

func printStock(c *cli.Context) error {
	family, err := model.ParseFamily(c.String("family"))
	if err != nil {
		return err
	}
	return withApp(c, func(a *app) error {
		w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FLAVOUR\tSTOCK\tUSED\tIN\tADJUST\tTHRESHOLD\tSTATUS")
		for _, line := range a.inventory.StockLevels(family) {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				line.Item.Name, line.Stock, line.Totals.Used, line.Totals.Inbound,
				line.Totals.Adjustment, line.Item.ReorderThreshold, line.Status)
		}
		return w.Flush()
	})
}

func writeReport(c *cli.Context) error {
	return withApp(c, func(a *app) error {
		path := c.String("output")
		file, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "create %s", path)
		}
		defer file.Close()

		if err := report.Write(file, a.inventory); err != nil {
			return err
		}
		a.logger.WithField("file", path).Info("report written")
		return nil
	})
}

// mirrorServer serves the shared document to gRPC clients. With the mongo
// mirror driver the document lives in MongoDB, otherwise in memory.
func mirrorServer(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	var docs mirror.DocumentStore = mirror.NewMemoryStore()
	if cfg.MirrorDriver == config.MirrorMongo {
		store, err := mongodoc.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, logger)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())
		docs = store
	}

	listener, err := net.Listen("tcp", cfg.MirrorListen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.MirrorListen)
	}
	server := grpc.NewServer()
	grpcdoc.RegisterDocumentServiceServer(server, grpcdoc.NewServer(docs, logger.WithField("component", "grpc")))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("address", cfg.MirrorListen).Info("Starting mirror server")
		return server.Serve(listener)
	})
	g.Go(func() error {
		waitForKillSignal(ctx, logger)
		server.Stop()
		return nil
	})
	return g.Wait()
}

func waitForKillSignal(ctx context.Context, logger log.FieldLogger) {
	killSignalChan := make(chan os.Signal, 1)
	signal.Notify(killSignalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(killSignalChan)

	select {
	case killSignal := <-killSignalChan:
		switch killSignal {
		case os.Interrupt:
			logger.Info("Got SIGINT...")
		case syscall.SIGTERM:
			logger.Info("Got SIGTERM...")
		}
	case <-ctx.Done():
	}
}
