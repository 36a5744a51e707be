// Package search keeps a full-text index over recording window names,
// labels and comments so sessions can be found by what happened in them.
package search

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"screentrail/internal/store"
)

// Document kinds.
const (
	KindRecording = "recording"
	KindComment   = "comment"
)

// Hit is a single search result.
type Hit struct {
	DocID     string
	Kind      string
	SessionID int64
	RefID     int64
	Text      string
	Score     float64
}

// Index is a bleve index of session content.
type Index struct {
	mu     sync.Mutex
	index  bleve.Index
	path   string
	logger *slog.Logger
}

// Open opens the index at path, creating it if needed. A corrupted index is
// removed and recreated since it can always be rebuilt from the store.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
		logger.Debug("search index created", "path", path)
	} else if err != nil {
		logger.Warn("search index unreadable, recreating", "path", path, "error", err)
		if idx != nil {
			idx.Close()
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove corrupted search index: %w", err)
		}
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("recreate search index: %w", err)
		}
	}

	return &Index{index: idx, path: path, logger: logger}, nil
}

// OpenMemory creates an index that lives only in memory.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	return &Index{index: idx, logger: slog.Default()}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	for _, name := range []string{"kind", "session_id", "ref_id"} {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = true
		f.Index = true
		docMapping.AddFieldMappingsAt(name, f)
	}

	for _, name := range []string{"text", "window"} {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = standard.Name
		f.Store = true
		f.Index = true
		docMapping.AddFieldMappingsAt(name, f)
	}

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

func recordingDocID(id int64) string { return "rec:" + strconv.FormatInt(id, 10) }

func commentDocID(id int64) string { return "com:" + strconv.FormatInt(id, 10) }

// IndexSession replaces every document of a session with its current
// recordings and comments.
func (x *Index) IndexSession(b *store.SessionBundle) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	sid := strconv.FormatInt(b.Session.ID, 10)
	existing, err := x.sessionDocIDs(sid)
	if err != nil {
		return err
	}

	batch := x.index.NewBatch()
	for _, id := range existing {
		batch.Delete(id)
	}

	for _, r := range b.Recordings {
		text := r.Label
		if text == "" && r.WindowName == "" {
			continue
		}
		doc := map[string]any{
			"kind":       KindRecording,
			"session_id": sid,
			"ref_id":     strconv.FormatInt(r.ID, 10),
			"text":       text,
			"window":     r.WindowName,
		}
		if err := batch.Index(recordingDocID(r.ID), doc); err != nil {
			return fmt.Errorf("add recording %d to batch: %w", r.ID, err)
		}
	}

	for _, c := range b.Comments {
		doc := map[string]any{
			"kind":       KindComment,
			"session_id": sid,
			"ref_id":     strconv.FormatInt(c.ID, 10),
			"text":       c.Text,
		}
		if err := batch.Index(commentDocID(c.ID), doc); err != nil {
			return fmt.Errorf("add comment %d to batch: %w", c.ID, err)
		}
	}

	if err := x.index.Batch(batch); err != nil {
		return fmt.Errorf("index session %d: %w", b.Session.ID, err)
	}
	return nil
}

// DeleteSession removes every document of a session.
func (x *Index) DeleteSession(sessionID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids, err := x.sessionDocIDs(strconv.FormatInt(sessionID, 10))
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	batch := x.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := x.index.Batch(batch); err != nil {
		return fmt.Errorf("unindex session %d: %w", sessionID, err)
	}
	return nil
}

func (x *Index) sessionDocIDs(sid string) ([]string, error) {
	q := bleve.NewTermQuery(sid)
	q.SetField("session_id")

	const page = 500
	var ids []string
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(q, page, from, false)
		res, err := x.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("list session documents: %w", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < page {
			return ids, nil
		}
	}
}

// Search runs a match query over text and window names.
func (x *Index) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}

	text := bleve.NewMatchQuery(query)
	text.SetField("text")
	window := bleve.NewMatchQuery(query)
	window.SetField("window")

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(text, window))
	req.Size = limit
	req.Fields = []string{"kind", "session_id", "ref_id", "text", "window"}

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{DocID: h.ID, Score: h.Score}
		if v, ok := h.Fields["kind"].(string); ok {
			hit.Kind = v
		}
		if v, ok := h.Fields["session_id"].(string); ok {
			hit.SessionID, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := h.Fields["ref_id"].(string); ok {
			hit.RefID, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := h.Fields["text"].(string); ok {
			hit.Text = v
		}
		if hit.Text == "" {
			if v, ok := h.Fields["window"].(string); ok {
				hit.Text = v
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

// Close closes the index.
func (x *Index) Close() error {
	return x.index.Close()
}
