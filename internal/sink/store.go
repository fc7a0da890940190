package sink

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/model"
)

// ResultRepository is the durable home for attempt outcomes.
type ResultRepository interface {
	SaveScrapeResult(ctx context.Context, task model.ScrapeTask, result model.ScrapeResult) error
	SaveScrapeFailure(ctx context.Context, task model.ScrapeTask, reason string) error
}

// StoreSink persists results and failures through a ResultRepository.
type StoreSink struct {
	repo ResultRepository
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(repo ResultRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

// PersistResult implements ResultSink.
func (s *StoreSink) PersistResult(ctx context.Context, task model.ScrapeTask, r model.ScrapeResult) error {
	if err := s.repo.SaveScrapeResult(ctx, task, r); err != nil {
		return eris.Wrapf(err, "sink: persist result for task %s", task.ID)
	}
	return nil
}

// PersistFailure implements ResultSink.
func (s *StoreSink) PersistFailure(ctx context.Context, task model.ScrapeTask, reason string) error {
	if err := s.repo.SaveScrapeFailure(ctx, task, reason); err != nil {
		return eris.Wrapf(err, "sink: persist failure for task %s", task.ID)
	}
	return nil
}
