package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-qa/pkg/repo"
)

// Fact is a (:Fact) node attached to a (:Topic).
type Fact struct {
	Topic string
	Text  string
}

type cypherRunner interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
}

// GraphEnricher looks up facts for topics named by the question's keywords.
type GraphEnricher struct {
	facts cypherRunner
	limit int
}

const factsCypher = `MATCH (t:Topic)-[:HAS_FACT]->(f:Fact)
WHERE toLower(t.name) IN $keywords
RETURN t.name AS topic, f.text AS text
LIMIT $limit`

func NewGraphEnricher(driver neo4j.DriverWithContext, database string) *GraphEnricher {
	return &GraphEnricher{
		facts: repo.NewNeo4jRepo[Fact, string](driver, "Fact", nil, nil,
			repo.WithDatabase[Fact, string](database)),
		limit: 5,
	}
}

func (g *GraphEnricher) Enrich(ctx context.Context, question string) (string, error) {
	keywords := Keywords(question)
	if len(keywords) == 0 {
		return "", nil
	}
	recs, err := g.facts.Query(ctx, factsCypher, map[string]any{"keywords": keywords, "limit": g.limit})
	if err != nil {
		return "", fmt.Errorf("enrich: graph lookup: %w", err)
	}
	if len(recs) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Known facts:\n")
	for _, rec := range recs {
		topic, _ := rec.Get("topic")
		text, _ := rec.Get("text")
		t, _ := text.(string)
		if t == "" {
			continue
		}
		if name, ok := topic.(string); ok && name != "" {
			fmt.Fprintf(&b, "- %s: %s\n", name, t)
		} else {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String(), nil
}
