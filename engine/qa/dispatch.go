package qa

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-qa/pkg/natsutil"
)

const (
	// VariantSubject is the default NATS subject for variant jobs.
	VariantSubject = "qa.variants"
	// VariantQueue is the queue group shared by variant workers.
	VariantQueue = "qa-variant-workers"
)

// VariantJob asks a worker to generate and index paraphrases of a stored record.
type VariantJob struct {
	QAID     string `json:"qa_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Language string `json:"language,omitempty"`
}

// JobPublisher hands variant jobs to another process.
type JobPublisher interface {
	PublishVariantJob(ctx context.Context, job VariantJob) error
}

// NATSPublisher publishes variant jobs on a subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = VariantSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

func (p *NATSPublisher) PublishVariantJob(ctx context.Context, job VariantJob) error {
	return natsutil.Publish(ctx, p.nc, p.subject, job)
}

// Ping reports whether the connection is usable.
func (p *NATSPublisher) Ping(context.Context) error {
	if !p.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

// ServeVariantJobs subscribes s to variant jobs in the shared queue group.
// Each job is processed in the service's background runner.
func ServeVariantJobs(nc *nats.Conn, subject string, s *Service) (*nats.Subscription, error) {
	if subject == "" {
		subject = VariantSubject
	}
	return natsutil.QueueSubscribe(nc, subject, VariantQueue, func(ctx context.Context, job VariantJob) {
		s.logger.Debug("qa: variant job received", "qa_id", job.QAID)
		if !s.runner.Submit("variants:"+job.QAID, func(rctx context.Context) error {
			return s.HandleVariantJob(rctx, job)
		}) {
			s.logger.Warn("qa: variant job dropped", "qa_id", job.QAID)
		}
	})
}

// HandleVariantJob runs the augmentation for one job.
func (s *Service) HandleVariantJob(ctx context.Context, job VariantJob) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TaskTimeout)
	defer cancel()
	n, err := s.augment(ctx, job.QAID, job.Question, job.Answer, job.Language)
	if err != nil {
		return err
	}
	s.logger.Info("qa: variants indexed", "qa_id", job.QAID, "count", n, "via", "nats")
	return nil
}
