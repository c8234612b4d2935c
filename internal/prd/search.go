package prd

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve"

	"github.com/atomize-dev/atomize/internal/tree"
)

// indexDoc is the shape stored per emitted document.
type indexDoc struct {
	Session     string  `json:"session"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Hours       float64 `json:"hours"`
}

// Hit is one search result.
type Hit struct {
	Ref     string
	Session string
	Name    string
	Score   float64
}

// Index is a disk-backed full-text index over emitted documents, keyed by
// document ref so re-emission updates in place.
type Index struct {
	idx bleve.Index
}

// OpenIndex opens the index at path, creating it on first use.
func OpenIndex(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		idx, err = bleve.New(path, bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index %s: %w", path, err)
		}
	}
	return &Index{idx: idx}, nil
}

// Add indexes one emitted document under its ref.
func (i *Index) Add(ref, sessionName string, n tree.Node) error {
	return i.idx.Index(ref, indexDoc{
		Session:     sessionName,
		Name:        n.Name,
		Description: n.Description,
		Type:        string(n.Type),
		Hours:       n.Estimates.Hours,
	})
}

// Search runs a query-string search and returns up to k hits.
func (i *Index) Search(q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), k, 0, false)
	req.Fields = []string{"session", "name"}
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	var out []Hit
	for _, hit := range res.Hits {
		h := Hit{Ref: hit.ID, Score: hit.Score}
		if s, ok := hit.Fields["session"].(string); ok {
			h.Session = s
		}
		if s, ok := hit.Fields["name"].(string); ok {
			h.Name = s
		}
		out = append(out, h)
	}
	return out, nil
}

// Close releases the index.
func (i *Index) Close() error { return i.idx.Close() }
