// Package ingest orchestrates the enrichment pipeline for one submitted
// batch: normalize, predict, classify, persist.
package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/classify"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/normalize"
	"github.com/sells-group/leadflow/internal/predict"
	"github.com/sells-group/leadflow/internal/store"
)

// Predictor resolves a country and confidence for a display name.
type Predictor interface {
	Predict(ctx context.Context, name string) (*predict.Prediction, error)
}

// Service runs batches through the pipeline.
type Service struct {
	store      store.Store
	predictor  Predictor
	classifier classify.Classifier
	workers    int
}

// New creates an ingestion service. workers bounds the concurrent
// prediction calls per batch.
func New(st store.Store, p Predictor, c classify.Classifier, workers int) *Service {
	if workers <= 0 {
		workers = 5
	}
	return &Service{
		store:      st,
		predictor:  p,
		classifier: c,
		workers:    workers,
	}
}

// ProcessBatch normalizes and deduplicates rawNames, enriches each unique
// name through a bounded worker pool, classifies, and upserts the results.
// The returned leads follow the first-seen order of the deduplicated input.
//
// A failed prediction records a nil-country lead and never aborts the batch;
// only invalid input and store failures are returned as errors.
func (s *Service) ProcessBatch(ctx context.Context, rawNames []string) ([]model.Lead, error) {
	names, err := normalize.Dedupe(rawNames)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("batch_id", uuid.NewString()),
	)
	log.Info("processing batch",
		zap.Int("submitted", len(rawNames)),
		zap.Int("unique", len(names)),
	)

	predictions := make([]*predict.Prediction, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, name := range names {
		g.Go(func() error {
			p, err := s.predictor.Predict(gctx, name.Display)
			if err != nil {
				// Enrichment failure is per-name, not per-batch.
				log.Warn("enrichment failed",
					zap.String("identity", name.Identity),
					zap.Error(err),
				)
				return nil
			}
			predictions[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "ingest: predict batch")
	}
	if ctx.Err() != nil {
		// Cancelled mid-batch: discard results rather than persisting
		// half-enriched leads as failures.
		return nil, eris.Wrap(ctx.Err(), "ingest: batch cancelled")
	}

	// Upserts run on a detached context so a cancellation arriving now
	// cannot leave a row half-written relative to the CRM's view.
	upsertCtx := context.WithoutCancel(ctx)

	leads := make([]model.Lead, 0, len(names))
	for i, name := range names {
		var country *string
		var probability *float64
		if p := predictions[i]; p != nil {
			country = &p.Country
			probability = &p.Probability
		}

		lead, err := s.store.UpsertLead(upsertCtx, store.UpsertParams{
			Identity:    name.Identity,
			DisplayName: name.Display,
			Country:     country,
			Probability: probability,
			Status:      s.classifier.Classify(probability),
		})
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: upsert %s", name.Identity)
		}
		leads = append(leads, *lead)
	}

	return leads, nil
}
