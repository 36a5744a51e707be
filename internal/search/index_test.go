package search

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screentrail/internal/store"
)

func bundle(id int64, windows []string, comments ...string) *store.SessionBundle {
	b := &store.SessionBundle{Session: store.Session{ID: id}}
	for i, w := range windows {
		b.Recordings = append(b.Recordings, store.Recording{ID: id*100 + int64(i), SessionID: id, WindowName: w})
	}
	for i, c := range comments {
		b.Comments = append(b.Comments, store.Comment{ID: id*100 + int64(i), SessionID: id, Text: c})
	}
	return b
}

func TestIndexAndSearch(t *testing.T) {
	x, err := OpenMemory()
	require.NoError(t, err)
	defer x.Close()

	require.NoError(t, x.IndexSession(bundle(1, []string{"Spreadsheet budget"}, "reconciling invoices")))
	require.NoError(t, x.IndexSession(bundle(2, []string{"Terminal"}, "debugging the flaky build")))

	hits, err := x.Search("invoices", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, KindComment, hits[0].Kind)
	assert.Equal(t, int64(1), hits[0].SessionID)
	assert.Equal(t, int64(100), hits[0].RefID)
	assert.Equal(t, "com:100", hits[0].DocID)

	hits, err = x.Search("terminal", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, KindRecording, hits[0].Kind)
	assert.Equal(t, "Terminal", hits[0].Text)
}

func TestIndexSessionReplacesDocuments(t *testing.T) {
	x, err := OpenMemory()
	require.NoError(t, err)
	defer x.Close()

	require.NoError(t, x.IndexSession(bundle(5, []string{"Editor", "Browser"}, "first draft")))
	n, err := x.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	require.NoError(t, x.IndexSession(bundle(5, []string{"Editor"})))
	n, err = x.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	hits, err := x.Search("draft", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteSession(t *testing.T) {
	x, err := OpenMemory()
	require.NoError(t, err)
	defer x.Close()

	require.NoError(t, x.IndexSession(bundle(1, []string{"Mail"}, "inbox zero")))
	require.NoError(t, x.IndexSession(bundle(2, []string{"Mail"})))

	require.NoError(t, x.DeleteSession(1))
	require.NoError(t, x.DeleteSession(42))

	hits, err := x.Search("mail", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].SessionID)
}

func TestOpenOnDiskReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")

	x, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, x.IndexSession(bundle(3, nil, "persisted note")))
	require.NoError(t, x.Close())

	x, err = Open(path, nil)
	require.NoError(t, err)
	defer x.Close()

	hits, err := x.Search("persisted", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
