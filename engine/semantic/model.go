package semantic

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// Payload keys stored with every point.
const (
	keyQAID      = "qa_id"
	keyQuestion  = "question"
	keyAnswer    = "answer"
	keyIsVariant = "is_variant"
	keySource    = "source"
	keyLanguage  = "language"
	keyCreatedAt = "created_at"
)

// pointNamespace seeds deterministic point ids so retried writes of the same
// question overwrite instead of duplicating.
var pointNamespace = uuid.MustParse("6f1c52a4-3c39-4c55-9a0e-0b7f6c7d2e11")

// PointID returns the deterministic point id for a question indexed against qaID.
func PointID(qaID, question string) string {
	return uuid.NewSHA1(pointNamespace, []byte(qaID+"\x00"+question)).String()
}

// checkDim rejects vectors that do not match the deployment dimension.
func checkDim(dim int, vec []float32) error {
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

// withID fills in a point id for entries that have none.
func withID(e domain.EmbeddingEntry) domain.EmbeddingEntry {
	if e.ID == "" {
		e.ID = PointID(e.QAID, e.Question)
	}
	return e
}
