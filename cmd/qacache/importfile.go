package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

const (
	formatJSON  = "json"
	formatJSONL = "jsonl"
	formatYAML  = "yaml"
)

var errNoPairs = errors.New("no curated pairs found")

// readPairsFile loads curated pairs from path, choosing the format by extension.
func readPairsFile(path string) ([]domain.CuratedPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pairs, err := decodePairs(f, formatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return formatJSONL
	case ".yaml", ".yml":
		return formatYAML
	}
	return formatJSON
}

func formatFromContentType(ct string) string {
	mt, _, _ := mime.ParseMediaType(ct)
	switch mt {
	case "application/x-ndjson", "application/jsonl", "application/x-jsonlines":
		return formatJSONL
	case "application/yaml", "application/x-yaml", "text/yaml":
		return formatYAML
	}
	return formatJSON
}

// decodePairs accepts a JSON array, a {"pairs": [...]} document, JSON lines,
// or the YAML equivalents of the first two.
func decodePairs(r io.Reader, format string) ([]domain.CuratedPair, error) {
	var (
		pairs []domain.CuratedPair
		err   error
	)
	switch format {
	case formatJSONL:
		pairs, err = decodeJSONL(r)
	case formatYAML:
		pairs, err = decodeYAML(r)
	default:
		pairs, err = decodeJSON(r)
	}
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, errNoPairs
	}
	return pairs, nil
}

type pairsDoc struct {
	Pairs []domain.CuratedPair `json:"pairs" yaml:"pairs"`
}

func decodeJSON(r io.Reader) ([]domain.CuratedPair, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var doc pairsDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return doc.Pairs, nil
	}
	var pairs []domain.CuratedPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return pairs, nil
}

func decodeJSONL(r io.Reader) ([]domain.CuratedPair, error) {
	var pairs []domain.CuratedPair
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var p domain.CuratedPair
		if err := json.Unmarshal(text, &p); err != nil {
			return nil, fmt.Errorf("decode jsonl line %d: %w", line, err)
		}
		pairs = append(pairs, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return pairs, nil
}

func decodeYAML(r io.Reader) ([]domain.CuratedPair, error) {
	var node yaml.Node
	if err := yaml.NewDecoder(r).Decode(&node); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(node.Content) == 1 && node.Content[0].Kind == yaml.MappingNode {
		var doc pairsDoc
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return doc.Pairs, nil
	}
	var pairs []domain.CuratedPair
	if err := node.Decode(&pairs); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return pairs, nil
}
