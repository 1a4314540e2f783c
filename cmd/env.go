package main

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/classify"
	"github.com/sells-group/leadflow/internal/crmsync"
	"github.com/sells-group/leadflow/internal/ingest"
	"github.com/sells-group/leadflow/internal/predict"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
	sfpkg "github.com/sells-group/leadflow/pkg/salesforce"
)

// Env holds the wired pipeline components shared by the commands.
type Env struct {
	Store  store.Store
	Ingest *ingest.Service
}

// Close releases the environment's resources.
func (e *Env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv wires the store, prediction client, classifier, and ingestion
// service from config.
func initEnv(ctx context.Context) (*Env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	predictor := predict.NewClient(predict.Options{
		BaseURL:        cfg.Predict.BaseURL,
		Timeout:        cfg.Predict.Timeout(),
		MaxAttempts:    cfg.Predict.MaxAttempts,
		InitialBackoff: cfg.Predict.InitialBackoff(),
		RatePerSec:     cfg.Predict.RatePerSec,
	})

	classifier := classify.New(cfg.Classify.Threshold)
	svc := ingest.New(st, predictor, classifier, cfg.Predict.Workers)

	return &Env{Store: st, Ingest: svc}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadflow.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initScheduler wires the Salesforce client and the sync scheduler.
func initScheduler(st store.Store) (*crmsync.Scheduler, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (LEADFLOW_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	client := sfpkg.NewClient(sf, sfpkg.WithRateLimit(cfg.Salesforce.RatePerSec))
	crm := crmsync.NewSalesforceCRM(client, cfg.Sync.Object, cfg.Sync.ExternalIDField)

	return crmsync.NewScheduler(st, crm, crmsync.SchedulerConfig{
		Interval:    cfg.Sync.Interval(),
		BatchSize:   cfg.Sync.BatchSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		Retry:       resilience.DefaultRetryConfig(),
	}), nil
}
