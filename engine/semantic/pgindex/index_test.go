package pgindex

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

func TestNewValidatesTable(t *testing.T) {
	if _, err := New(nil, "qa; DROP TABLE x", 4); err == nil {
		t.Fatal("expected invalid table name to be rejected")
	}
	if _, err := New(nil, "qa_embeddings", 0); err == nil {
		t.Fatal("expected non-positive dimension to be rejected")
	}
	ix, err := New(nil, "", 4)
	if err != nil {
		t.Fatal(err)
	}
	if ix.table != DefaultTable || ix.Dim() != 4 {
		t.Fatalf("unexpected index %+v", ix)
	}
}

func TestDimensionCheckedBeforeQuery(t *testing.T) {
	ix, _ := New(nil, "", 3)
	if _, err := ix.Search(context.Background(), []float32{1}, 5, 0.5); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	err := ix.Upsert(context.Background(), domain.EmbeddingEntry{Vector: []float32{1, 2}})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if err := ix.Upsert(context.Background()); err != nil {
		t.Fatalf("empty upsert should be a no-op, got %v", err)
	}
}

func TestSchemaIndexesEmbeddings(t *testing.T) {
	ix, _ := New(nil, "qa_vectors", 8)
	var hnsw bool
	for _, stmt := range ix.schema() {
		if strings.Contains(stmt, "qa_vectors_embedding_idx ON qa_vectors USING hnsw (embedding vector_cosine_ops)") {
			hnsw = true
		}
	}
	if !hnsw {
		t.Fatalf("no HNSW index in schema: %q", ix.schema())
	}
}
