package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/backend/pebblestore"
	"github.com/ternmail/tern/consts"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := NewSchema(
		Collection{
			Name: "notes",
			ID:   1,
			Fields: []FieldDef{
				{Name: "title", Type: FieldString, Indexed: true, FullText: true, Weight: 4},
				{Name: "body", Type: FieldString, FullText: true},
				{Name: "html", Type: FieldString, FullText: true, HTML: true},
				{Name: "stars", Type: FieldInt, Indexed: true},
				{Name: "created", Type: FieldTime, Indexed: true},
				{Name: "done", Type: FieldBool, Indexed: true},
			},
		},
		Collection{
			Name: "tags",
			ID:   2,
			Fields: []FieldDef{
				{Name: "label", Type: FieldString, Indexed: true},
			},
		},
	)
	require.NoError(t, err)
	return schema
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	b, err := pebblestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s, err := Open(context.Background(), b, testSchema(t), opts)
	require.NoError(t, err)
	return s
}

func insertNote(t *testing.T, s *Store, account uint64, fields map[string]any) *Document {
	t.Helper()
	var doc *Document
	err := s.WithTransaction(context.Background(), account, func(tx *Tx) error {
		var err error
		doc, err = tx.Insert(context.Background(), "notes", fields)
		return err
	})
	require.NoError(t, err)
	return doc
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	doc := insertNote(t, s, 1, map[string]any{"title": "hello", "stars": 3})
	assert.Equal(t, uint64(1), doc.ID)
	assert.Equal(t, uint64(1), doc.Version)

	got, err := s.Get(ctx, 1, "notes", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Fields["title"])
	assert.EqualValues(t, 3, got.Fields["stars"])
	assert.Equal(t, uint64(1), got.Version)

	_, err = s.Get(ctx, 1, "notes", 999)
	assert.ErrorIs(t, err, consts.ErrNotFound)

	_, err = s.Get(ctx, 2, "notes", doc.ID)
	assert.ErrorIs(t, err, consts.ErrNotFound, "documents are scoped per account")
}

func TestUpdateChecksVersion(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	doc := insertNote(t, s, 1, map[string]any{"title": "draft"})

	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		updated, err := tx.Update(ctx, "notes", doc.ID, doc.Version, map[string]any{"title": "final"})
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(2), updated.Version)
		return nil
	})
	require.NoError(t, err)

	// A stale expected version must fail.
	err = s.WithTransaction(ctx, 1, func(tx *Tx) error {
		_, err := tx.Update(ctx, "notes", doc.ID, doc.Version, map[string]any{"title": "stale"})
		return err
	})
	assert.ErrorIs(t, err, consts.ErrVersionConflict)

	got, err := s.Get(ctx, 1, "notes", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Fields["title"])
}

func TestConcurrentUpdatesConflictOnVersion(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	doc := insertNote(t, s, 1, map[string]any{"title": "contested"})

	// Both writers carry the same expected version; exactly one may win.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		title := fmt.Sprintf("writer-%d", i)
		go func() {
			results <- s.WithTransaction(ctx, 1, func(tx *Tx) error {
				_, err := tx.Update(ctx, "notes", doc.ID, doc.Version, map[string]any{"title": title})
				return err
			})
		}()
	}

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			assert.ErrorIs(t, err, consts.ErrVersionConflict)
			conflicts++
		} else {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	got, err := s.Get(ctx, 1, "notes", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version, "the losing writer left no trace")
}

func TestDeleteAndIDNotReused(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	first := insertNote(t, s, 1, map[string]any{"title": "one"})
	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		return tx.Delete(ctx, "notes", first.ID)
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, 1, "notes", first.ID)
	assert.ErrorIs(t, err, consts.ErrNotFound)

	second := insertNote(t, s, 1, map[string]any{"title": "two"})
	assert.Greater(t, second.ID, first.ID, "ids are never reused")
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		if _, err := tx.Insert(ctx, "notes", map[string]any{"title": "ghost"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, 1, "notes", 1)
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestQuotaEnforcedOnGrowth(t *testing.T) {
	s := newTestStore(t, Options{QuotaLimit: 300})
	ctx := context.Background()

	insertNote(t, s, 1, map[string]any{"title": "small"})

	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		_, err := tx.Insert(ctx, "notes", map[string]any{"body": strings.Repeat("x", 1000)})
		return err
	})
	assert.ErrorIs(t, err, consts.ErrQuotaExceeded)

	// Deleting always succeeds even when over the limit.
	err = s.WithTransaction(ctx, 1, func(tx *Tx) error {
		return tx.Delete(ctx, "notes", 1)
	})
	require.NoError(t, err)
}

func TestChangeLog(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	initial, err := s.CurrentState(ctx, 1)
	require.NoError(t, err)

	doc := insertNote(t, s, 1, map[string]any{"title": "a"})
	insertNote(t, s, 1, map[string]any{"title": "b"})
	err = s.WithTransaction(ctx, 1, func(tx *Tx) error {
		_, err := tx.Update(ctx, "notes", doc.ID, doc.Version, map[string]any{"title": "a2"})
		return err
	})
	require.NoError(t, err)

	records, state, err := s.ChangesSince(ctx, 1, "", initial, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ChangeInsert, records[0].Kind)
	assert.Equal(t, ChangeInsert, records[1].Kind)
	assert.Equal(t, ChangeUpdate, records[2].Kind)
	assert.Equal(t, doc.ID, records[2].DocumentID)

	// Replaying the same token yields the same records.
	again, _, err := s.ChangesSince(ctx, 1, "", initial, 0)
	require.NoError(t, err)
	assert.Equal(t, records, again)

	// The returned state resumes past everything seen.
	tail, _, err := s.ChangesSince(ctx, 1, "", state, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)

	// Limits produce a resumable token.
	page, mid, err := s.ChangesSince(ctx, 1, "", initial, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, _, err := s.ChangesSince(ctx, 1, "", mid, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, records[2], rest[0])

	// Another account sees nothing.
	other, _, err := s.ChangesSince(ctx, 2, "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestChangeLogCollectionFilter(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	insertNote(t, s, 1, map[string]any{"title": "note"})
	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		_, err := tx.Insert(ctx, "tags", map[string]any{"label": "inbox"})
		return err
	})
	require.NoError(t, err)

	records, _, err := s.ChangesSince(ctx, 1, "tags", "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tags", records[0].Collection)
}

func TestInvalidStateTokenRejected(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	state, err := s.CurrentState(ctx, 1)
	require.NoError(t, err)

	// Flip the epoch prefix so the token comes from a foreign lineage.
	foreign := "0000000" + flipHexDigit(state[7:8]) + state[8:]
	_, _, err = s.ChangesSince(ctx, 1, "", foreign, 0)
	assert.ErrorIs(t, err, consts.ErrInvalidStateToken)

	_, _, err = s.ChangesSince(ctx, 1, "", "garbage", 0)
	assert.ErrorIs(t, err, consts.ErrInvalidStateToken)
}

func flipHexDigit(s string) string {
	if s == "0" {
		return "1"
	}
	return "0"
}

func TestPruneChanges(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	insertNote(t, s, 1, map[string]any{"title": "a"})
	insertNote(t, s, 1, map[string]any{"title": "b"})
	page, mid, err := s.ChangesSince(ctx, 1, "", "", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)

	pruned, err := s.PruneChanges(ctx, 1, mid)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	remaining, _, err := s.ChangesSince(ctx, 1, "", "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(2), remaining[0].Seq)

	// Pruning is idempotent.
	pruned, err = s.PruneChanges(ctx, 1, mid)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestSearch(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	d1 := insertNote(t, s, 1, map[string]any{"title": "alpha beta", "body": "gamma delta epsilon"})
	d2 := insertNote(t, s, 1, map[string]any{"title": "beta gamma", "body": "zeta"})

	ids, err := s.Search(ctx, 1, "notes", "beta", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{d1.ID, d2.ID}, ids, "equal scores break ties by id")

	ids, err = s.Search(ctx, 1, "notes", "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{d1.ID}, ids)

	ids, err = s.Search(ctx, 1, "notes", "beta -zeta", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{d1.ID}, ids)

	ids, err = s.Search(ctx, 1, "notes", "alpha OR zeta", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{d1.ID, d2.ID}, ids)

	// Title matches outweigh body matches.
	ids, err = s.Search(ctx, 1, "notes", "gam*", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{d2.ID, d1.ID}, ids)

	ids, err = s.Search(ctx, 1, "notes", `"gamma delta"`, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{d1.ID}, ids)

	ids, err = s.Search(ctx, 1, "notes", `"delta gamma"`, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.Search(ctx, 1, "notes", "beta", 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// Other accounts never see these postings.
	ids, err = s.Search(ctx, 2, "notes", "beta", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchHTMLFieldsAreStripped(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	doc := insertNote(t, s, 1, map[string]any{"html": "<p>quarterly <b>report</b></p>"})

	ids, err := s.Search(ctx, 1, "notes", "quarterly report", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{doc.ID}, ids)

	// Markup never becomes a term.
	ids, err = s.Search(ctx, 1, "notes", "p", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchReflectsUpdatesAndDeletes(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	doc := insertNote(t, s, 1, map[string]any{"body": "ephemeral wording"})

	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		_, err := tx.Update(ctx, "notes", doc.ID, doc.Version, map[string]any{"body": "different words"})
		return err
	})
	require.NoError(t, err)

	ids, err := s.Search(ctx, 1, "notes", "ephemeral", 0)
	require.NoError(t, err)
	assert.Empty(t, ids, "postings of the old version must be retracted")

	ids, err = s.Search(ctx, 1, "notes", "different", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{doc.ID}, ids)

	err = s.WithTransaction(ctx, 1, func(tx *Tx) error {
		return tx.Delete(ctx, "notes", doc.ID)
	})
	require.NoError(t, err)

	ids, err = s.Search(ctx, 1, "notes", "different", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// derivedState captures every index entry and posting of an account.
func derivedState(t *testing.T, s *Store, account uint64) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := s.view(context.Background(), account, func(btx backend.Tx) error {
		for _, prefix := range [][]byte{
			indexPrefix(account, 1), ftsPrefix(account, 1),
			indexPrefix(account, 2), ftsPrefix(account, 2),
		} {
			err := btx.Scan(context.Background(), prefix, backend.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
				out[string(key)] = string(value)
				return true, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRebuildMatchesLiveMaintenance(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	d1 := insertNote(t, s, 1, map[string]any{"title": "first note", "stars": 2, "done": false})
	d2 := insertNote(t, s, 1, map[string]any{"title": "second note", "stars": 5, "done": true})
	err := s.WithTransaction(ctx, 1, func(tx *Tx) error {
		if _, err := tx.Update(ctx, "notes", d1.ID, d1.Version, map[string]any{"title": "first revised", "stars": 3}); err != nil {
			return err
		}
		return tx.Delete(ctx, "notes", d2.ID)
	})
	require.NoError(t, err)

	live := derivedState(t, s, 1)
	require.NotEmpty(t, live)

	require.NoError(t, s.RebuildIndexes(ctx, 1, "notes"))
	rebuilt := derivedState(t, s, 1)

	assert.Equal(t, live, rebuilt, "rebuild must reproduce live incremental maintenance exactly")
}

func TestQueryIndexPaths(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		insertNote(t, s, 1, map[string]any{
			"title":   []string{"", "apple pie", "apricot jam", "banana bread", "apple tart", "cherry cake"}[i],
			"stars":   i,
			"done":    i%2 == 0,
			"created": base.Add(time.Duration(i) * time.Hour),
		})
	}

	ids := func(page *Page) []uint64 {
		out := make([]uint64, 0, len(page.Documents))
		for _, d := range page.Documents {
			out = append(out, d.ID)
		}
		return out
	}

	page, err := s.Query(ctx, 1, "notes", Cmp{Field: "stars", Op: OpEq, Value: 3}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Cmp{Field: "stars", Op: OpGe, Value: 4}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Cmp{Field: "stars", Op: OpGt, Value: 4}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Cmp{Field: "stars", Op: OpLe, Value: 2}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Cmp{Field: "stars", Op: OpLt, Value: 2}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Cmp{Field: "title", Op: OpPrefix, Value: "Ap"}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 4}, ids(page), "prefix comparison folds case")

	page, err = s.Query(ctx, 1, "notes", And{
		Cmp{Field: "stars", Op: OpGe, Value: 2},
		Cmp{Field: "done", Op: OpEq, Value: true},
	}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Or{
		Cmp{Field: "stars", Op: OpEq, Value: 1},
		Cmp{Field: "stars", Op: OpEq, Value: 5},
	}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 5}, ids(page))

	page, err = s.Query(ctx, 1, "notes", And{
		Text{Query: "apple"},
		Cmp{Field: "done", Op: OpEq, Value: false},
	}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids(page))

	page, err = s.Query(ctx, 1, "notes", Cmp{Field: "created", Op: OpGe, Value: base.Add(4 * time.Hour)}, nil, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, ids(page))

	page, err = s.Query(ctx, 1, "notes", nil, nil, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Documents, 5)

	_, err = s.Query(ctx, 1, "notes", nil, nil, "", 0)
	assert.Error(t, err, "a pagination limit is required")
}

func TestQuerySortAndPagination(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		insertNote(t, s, 1, map[string]any{"stars": 6 - i})
	}

	sortBy := []Sort{{Field: "stars", Desc: false}}
	var order []uint64
	cursor := ""
	pages := 0
	for {
		page, err := s.Query(ctx, 1, "notes", nil, sortBy, cursor, 2)
		require.NoError(t, err)
		for _, d := range page.Documents {
			order = append(order, d.ID)
		}
		pages++
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	// stars ascend as ids descend.
	assert.Equal(t, []uint64{5, 4, 3, 2, 1}, order)
	assert.Equal(t, 3, pages)

	page, err := s.Query(ctx, 1, "notes", nil, []Sort{{Field: "stars", Desc: true}}, "", 10)
	require.NoError(t, err)
	var desc []uint64
	for _, d := range page.Documents {
		desc = append(desc, d.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, desc)

	_, err = s.Query(ctx, 1, "notes", nil, nil, "not a cursor!", 2)
	assert.Error(t, err)
}

func TestQueryRejectsCursorFromDifferentSort(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		insertNote(t, s, 1, map[string]any{"stars": i})
	}

	page, err := s.Query(ctx, 1, "notes", nil, nil, "", 1)
	require.NoError(t, err)
	require.NotEmpty(t, page.Cursor)

	// A cursor minted without a sort spec cannot resume a sorted query.
	_, err = s.Query(ctx, 1, "notes", nil, []Sort{{Field: "stars"}}, page.Cursor, 1)
	assert.Error(t, err)

	// Replayed under its own sort spec it still works.
	next, err := s.Query(ctx, 1, "notes", nil, nil, page.Cursor, 1)
	require.NoError(t, err)
	require.Len(t, next.Documents, 1)
	assert.Equal(t, uint64(2), next.Documents[0].ID)
}

func TestPaginationStableUnderUnrelatedWrites(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		insertNote(t, s, 1, map[string]any{"stars": i})
	}

	sortBy := []Sort{{Field: "stars", Desc: true}}
	first, err := s.Query(ctx, 1, "notes", nil, sortBy, "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, first.Cursor)

	var order []uint64
	for _, d := range first.Documents {
		order = append(order, d.ID)
	}

	// Writes between pages, in another collection and before the cursor
	// position, must not disturb order or membership of later pages.
	err = s.WithTransaction(ctx, 1, func(tx *Tx) error {
		_, err := tx.Insert(ctx, "tags", map[string]any{"label": "inbox"})
		return err
	})
	require.NoError(t, err)
	insertNote(t, s, 1, map[string]any{"stars": 10})

	cursor := first.Cursor
	for cursor != "" {
		page, err := s.Query(ctx, 1, "notes", nil, sortBy, cursor, 2)
		require.NoError(t, err)
		for _, d := range page.Documents {
			order = append(order, d.ID)
		}
		cursor = page.Cursor
	}

	assert.Equal(t, []uint64{6, 5, 4, 3, 2, 1}, order)
}

func TestCommitAfterRollbackFails(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	tx, err := s.Begin(ctx, 1)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "notes", map[string]any{"title": "ghost"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(ctx))
	assert.Error(t, tx.Commit(ctx), "a rolled-back transaction must not report success")

	_, err = s.Get(ctx, 1, "notes", 1)
	assert.ErrorIs(t, err, consts.ErrNotFound)
}
