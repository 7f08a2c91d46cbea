package main

import (
	"context"
	"path/filepath"
	"testing"

	"enchanted-library/library"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Seed_ScholarCanBorrowFromRareCollection(t *testing.T) {
	ctx := context.Background()
	manager, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	require.NoError(t, seed(ctx, manager))

	books, err := manager.ListBooks(ctx)
	require.NoError(t, err)
	byTitle := make(map[string]*library.Book, len(books))
	for _, b := range books {
		byTitle[b.Title] = b
	}
	require.Len(t, byTitle, len(seedBooks))

	scholar, err := manager.Authenticate(ctx, "scholar@library.test", seedPassword)
	require.NoError(t, err)

	_, err = manager.Checkout(ctx, scholar, byTitle["First Folio"].ID, scholar.ID)
	assert.NoError(t, err)

	_, err = manager.Checkout(ctx, scholar, byTitle["The Art of War"].ID, scholar.ID)
	assert.ErrorIs(t, err, library.ErrPermissionDenied)

	recs, err := manager.Recommend(ctx, scholar.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
}
