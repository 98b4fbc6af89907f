package storage

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Config selects and parameterizes a storage backend.
type Config struct {
	Backend string // file | redis | postgres | mongodb

	// file
	DataDir string

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// postgres
	PostgresDSN string

	// mongodb
	MongoURI      string
	MongoDatabase string
}

// NewStore builds and initializes the backend named by cfg.Backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	backend := cfg.Backend
	if backend == "" {
		backend = "file"
	}
	switch backend {
	case "file":
		store = NewFileBackend(cfg.DataDir)
	case "redis":
		store = NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "postgres":
		store, err = NewPostgresBackend(cfg.PostgresDSN)
	case "mongodb":
		store, err = NewMongoBackend(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Infof("storage: initialized %s backend", backend)
	return store, nil
}
