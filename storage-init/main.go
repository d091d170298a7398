package main

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("backend", cfg.StorageBackend).Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cfg.StorageBackend {
	case config.BackendTables:
		if err := createTable(ctx, cfg.StorageConnectionString, cfg.TasksTable); err != nil {
			log.Fatalf("create table: %v", err)
		}
	default:
		if err := migrateSQLite(ctx, cfg.DatabasePath); err != nil {
			log.Fatalf("migrate sqlite: %v", err)
		}
	}

	if cfg.ChangeFeedQueue != "" {
		if err := createQueue(ctx, cfg.StorageConnectionString, cfg.ChangeFeedQueue); err != nil {
			log.Fatalf("create queue: %v", err)
		}
	}

	log.Info("storage init complete")
}

func migrateSQLite(ctx context.Context, path string) error {
	db, err := storage.OpenSQLite(path, log.StandardLogger())
	if err != nil {
		return err
	}
	s := storage.NewSQLStore(db)
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	log.WithField("path", path).Info("tasks schema ready")
	return nil
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	_, err = svc.CreateTable(ctx, name, nil)
	if alreadyExists(err, string(aztables.TableAlreadyExists)) {
		log.WithField("table", name).Debug("table already exists")
		return nil
	}
	if err != nil {
		return err
	}
	log.WithField("table", name).Info("table created")
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	if alreadyExists(err, "QueueAlreadyExists") {
		log.WithField("queue", name).Debug("queue already exists")
		return nil
	}
	if err != nil {
		return err
	}
	log.WithField("queue", name).Info("queue created")
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
