package qa

import (
	"fmt"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/pkg/fn"
)

// Options tunes the pipeline. Zero values are replaced by DefaultOptions.
type Options struct {
	SearchThreshold  float32
	QualityThreshold float32
	SalvageThreshold float32
	SimilarThreshold float32
	TopK             int

	EmbedTimeout    time.Duration
	SearchTimeout   time.Duration
	EnrichTimeout   time.Duration
	GenerateTimeout time.Duration
	RequestTimeout  time.Duration
	TaskTimeout     time.Duration

	// Retry applies to transient completion failures. Retryable and OnRetry
	// are set by the service.
	Retry fn.RetryOpts
	// QualityRetries is how many extra generations a low-quality answer gets.
	QualityRetries int

	VariantCount   int
	EmbedWorkers   int
	RunnerWorkers  int
	RunnerQueue    int
	VariantSubject string

	ModelName string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		SearchThreshold:  0.85,
		QualityThreshold: 0.95,
		SalvageThreshold: 0.3,
		SimilarThreshold: 0.7,
		TopK:             5,
		EmbedTimeout:     10 * time.Second,
		SearchTimeout:    5 * time.Second,
		EnrichTimeout:    5 * time.Second,
		GenerateTimeout:  20 * time.Second,
		RequestTimeout:   30 * time.Second,
		TaskTimeout:      2 * time.Minute,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: time.Second,
			MaxWait:     8 * time.Second,
		},
		QualityRetries: 1,
		VariantCount:   3,
		EmbedWorkers:   3,
		RunnerWorkers:  4,
		RunnerQueue:    256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SearchThreshold == 0 {
		o.SearchThreshold = d.SearchThreshold
	}
	if o.QualityThreshold == 0 {
		o.QualityThreshold = d.QualityThreshold
	}
	if o.SalvageThreshold == 0 {
		o.SalvageThreshold = d.SalvageThreshold
	}
	if o.SimilarThreshold == 0 {
		o.SimilarThreshold = d.SimilarThreshold
	}
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.EmbedTimeout == 0 {
		o.EmbedTimeout = d.EmbedTimeout
	}
	if o.SearchTimeout == 0 {
		o.SearchTimeout = d.SearchTimeout
	}
	if o.EnrichTimeout == 0 {
		o.EnrichTimeout = d.EnrichTimeout
	}
	if o.GenerateTimeout == 0 {
		o.GenerateTimeout = d.GenerateTimeout
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.TaskTimeout == 0 {
		o.TaskTimeout = d.TaskTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	if o.QualityRetries < 0 {
		o.QualityRetries = 0
	}
	if o.VariantCount <= 0 {
		o.VariantCount = d.VariantCount
	}
	if o.EmbedWorkers <= 0 {
		o.EmbedWorkers = d.EmbedWorkers
	}
	if o.RunnerWorkers <= 0 {
		o.RunnerWorkers = d.RunnerWorkers
	}
	if o.RunnerQueue <= 0 {
		o.RunnerQueue = d.RunnerQueue
	}
	if o.VariantSubject == "" {
		o.VariantSubject = VariantSubject
	}
	return o
}

// Validate checks the threshold ordering 0 < salvage <= search < quality <= 1
// and that the similar threshold lies in (0, 1].
func (o Options) Validate() error {
	if err := domain.ValidateThresholds(float64(o.SearchThreshold), float64(o.QualityThreshold), float64(o.SalvageThreshold)); err != nil {
		return err
	}
	if o.SimilarThreshold <= 0 || o.SimilarThreshold > 1 {
		return fmt.Errorf("%w: similar threshold %.2f outside (0, 1]", domain.ErrInvalidThresholds, o.SimilarThreshold)
	}
	return nil
}
