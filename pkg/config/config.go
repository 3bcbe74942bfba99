package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const envPrefix = "mixbag"

const (
	StorageFile  = "file"
	StorageMySQL = "mysql"

	MirrorNone  = "none"
	MirrorGRPC  = "grpc"
	MirrorMongo = "mongo"
)

// Config is read from MIXBAG_* environment variables, optionally seeded from
// a .env file in the working directory.
type Config struct {
	HTTPAddress string `envconfig:"http_address" default:":8080"`

	StorageDriver string `envconfig:"storage_driver" default:"file"`
	DataDir       string `envconfig:"data_dir" default:"data"`
	MySQLDSN      string `envconfig:"mysql_dsn"`

	MirrorDriver    string        `envconfig:"mirror_driver" default:"none"`
	MirrorAddress   string        `envconfig:"mirror_address" default:"localhost:9090"`
	MirrorListen    string        `envconfig:"mirror_listen" default:":9090"`
	MongoURI        string        `envconfig:"mongo_uri" default:"mongodb://localhost:27017"`
	MongoDatabase   string        `envconfig:"mongo_database" default:"mixbag"`
	MongoCollection string        `envconfig:"mongo_collection" default:"inventory"`
	DocumentID      string        `envconfig:"document_id" default:"shared-inventory"`
	SyncTimeout     time.Duration `envconfig:"sync_timeout" default:"10s"`

	LogFormat string `envconfig:"log_format" default:"json"`
	LogLevel  string `envconfig:"log_level" default:"info"`
}

// Load reads the .env file at path when it exists, then the environment.
// Variables already set in the environment win over the file.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", path)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StorageFile:
	case StorageMySQL:
		if c.MySQLDSN == "" {
			return errors.New("MIXBAG_MYSQL_DSN is required for the mysql storage driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	switch c.MirrorDriver {
	case MirrorNone, MirrorGRPC, MirrorMongo:
	default:
		return errors.Errorf("unknown mirror driver %q", c.MirrorDriver)
	}

	if c.SyncTimeout <= 0 {
		return errors.New("MIXBAG_SYNC_TIMEOUT must be positive")
	}
	return nil
}

// Logger builds the process logger from LogFormat and LogLevel.
func (c *Config) Logger() (*logrus.Logger, error) {
	logger := logrus.New()
	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("unknown log format %q", c.LogFormat)
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	logger.SetLevel(level)
	return logger, nil
}
