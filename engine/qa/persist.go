package qa

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/semantic"
)

// persist writes rec to the store and then its embedding to the index.
// The index write is skipped when the store write fails so the index never
// points at a record that does not exist.
func (s *Service) persist(ctx context.Context, rec domain.QARecord, vector []float32) (domain.QARecord, error) {
	defer s.metrics.ObserveStage("persist", time.Now())
	log := s.logger.With("qa_id", rec.ID, "stage", "persist")

	rec.EmbeddingRef = semantic.PointID(rec.ID, rec.QuestionText)
	stored, err := s.store.Create(ctx, rec)
	s.monitor.Report(health.ComponentStore, err)
	if err != nil {
		s.metrics.Degraded("store")
		log.Warn("qa: record not stored", "state", StateStoreFailed, "err", err)
		return rec, fmt.Errorf("%w: store: %w", domain.ErrStorageDegraded, err)
	}

	entry := domain.EmbeddingEntry{
		ID:        stored.EmbeddingRef,
		Vector:    vector,
		QAID:      stored.ID,
		Question:  stored.QuestionText,
		Answer:    stored.AnswerText,
		Source:    stored.Source,
		Language:  domain.DetectLanguage(stored.QuestionText),
		CreatedAt: stored.CreatedAt,
	}
	err = s.index.Upsert(ctx, entry)
	s.monitor.Report(health.ComponentIndex, err)
	if err != nil {
		s.metrics.Degraded("index")
		log.Warn("qa: record stored but not indexed", "state", StateStoreFailed, "err", err)
		return stored, fmt.Errorf("%w: index: %w", domain.ErrStorageDegraded, err)
	}
	log.Debug("qa: record persisted", "state", StateStored)
	return stored, nil
}

// persistTask is the background unit scheduled after a generated answer:
// persist, then hand the record to variant augmentation.
func (s *Service) persistTask(rec domain.QARecord, vector []float32) Task {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.opts.TaskTimeout)
		defer cancel()
		stored, err := s.persist(ctx, rec, vector)
		if err != nil {
			return err
		}
		s.scheduleVariants(ctx, stored)
		return nil
	}
}

// scheduleVariants publishes a variant job when a publisher is configured and
// runs augmentation in-process otherwise, or when publishing fails.
func (s *Service) scheduleVariants(ctx context.Context, rec domain.QARecord) {
	job := VariantJob{
		QAID:     rec.ID,
		Question: rec.QuestionText,
		Answer:   rec.AnswerText,
		Language: domain.DetectLanguage(rec.QuestionText),
	}
	if s.publisher != nil {
		err := s.publisher.PublishVariantJob(ctx, job)
		if err == nil {
			return
		}
		s.logger.Warn("qa: variant job not published, running locally", "qa_id", rec.ID, "stage", "variants", "err", err)
	}
	if _, err := s.augment(ctx, job.QAID, job.Question, job.Answer, job.Language); err != nil {
		s.logger.Warn("qa: variant augmentation failed", "qa_id", rec.ID, "stage", "variants", "err", err)
	}
}
