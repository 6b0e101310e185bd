package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	scribeerrors "github.com/odvcencio/scribe/pkg/errors"
)

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestDocuments_CreateGetList(t *testing.T) {
	store := newTestStore(t)
	store.now = steppingClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	first, err := store.CreateDocument("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultDocumentTitle, first.Title)
	assert.Len(t, first.ID, 36, "uuid")

	second, err := store.CreateDocument("  Notes  ", "The quick brown fox\njumps over   the lazy dog")
	require.NoError(t, err)
	assert.Equal(t, "Notes", second.Title)

	got, err := store.GetDocument(second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Content, got.Content)
	assert.True(t, got.CreatedAt.Equal(second.CreatedAt))
	assert.Nil(t, got.LastOpenedAt)

	list, err := store.ListDocuments()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "most recently updated first")
	assert.Equal(t, "The quick brown fox jumps over the lazy dog", list[0].Preview)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestDocuments_UpdateAndSave(t *testing.T) {
	store := newTestStore(t)
	store.now = steppingClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	doc, err := store.CreateDocument("Draft", "Hello")
	require.NoError(t, err)

	title := ""
	updated, err := store.UpdateDocument(doc.ID, DocumentPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, DefaultDocumentTitle, updated.Title)
	assert.Equal(t, "Hello", updated.Content, "content untouched")
	assert.True(t, updated.UpdatedAt.After(doc.UpdatedAt))

	require.NoError(t, store.SaveContent(doc.ID, "Hello world"))
	got, err := store.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.Content)

	require.NoError(t, store.MarkOpened(doc.ID))
	got, err = store.GetDocument(doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastOpenedAt)
}

func TestDocuments_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetDocument("missing")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "That document no longer exists.", scribeerrors.UserMessageOf(err))

	content := "x"
	_, err = store.UpdateDocument("missing", DocumentPatch{Content: &content})
	assert.True(t, IsNotFound(err))

	err = store.DeleteDocument("missing")
	assert.True(t, IsNotFound(err))

	doc, err := store.CreateDocument("Gone soon", "")
	require.NoError(t, err)
	require.NoError(t, store.DeleteDocument(doc.ID))
	_, err = store.GetDocument(doc.ID)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("other")))
}

func TestDocuments_ObserverSeesLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := newTestStore(t)

	observer := NewMockObserver(ctrl)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		types []EventType
	)
	wg.Add(3)
	observer.EXPECT().HandleStorageEvent(gomock.Any()).Times(3).Do(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		wg.Done()
	})
	store.AddObserver(observer)

	doc, err := store.CreateDocument("Tracked", "")
	require.NoError(t, err)
	require.NoError(t, store.SaveContent(doc.ID, "more"))
	require.NoError(t, store.DeleteDocument(doc.ID))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer did not see every event")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []EventType{EventDocumentCreated, EventDocumentUpdated, EventDocumentDeleted}, types)
}

func TestPreviewTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "ab "
	}
	p := preview(long)
	assert.Equal(t, previewRunes+1, len([]rune(p)))
	assert.Equal(t, "…", string([]rune(p)[previewRunes:]))
}

func TestInMemoryStore(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	doc, err := store.CreateDocument("Scratch", "text")
	require.NoError(t, err)
	got, err := store.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "text", got.Content)
}
