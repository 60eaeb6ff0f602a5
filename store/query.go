package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/fts"
	"github.com/ternmail/tern/pkg/metrics"
)

// CmpOp is a field comparison operator.
type CmpOp int

const (
	OpEq CmpOp = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpPrefix // string fields only
)

// Filter is a conjunction/disjunction tree of field comparisons with
// optional full-text clauses.
type Filter interface {
	isFilter()
}

// And matches when every child matches.
type And []Filter

// Or matches when any child matches.
type Or []Filter

// Cmp compares a declared field against a value.
type Cmp struct {
	Field string
	Op    CmpOp
	Value any
}

// Text matches documents satisfying a full-text query.
type Text struct {
	Query string
}

func (And) isFilter()  {}
func (Or) isFilter()   {}
func (Cmp) isFilter()  {}
func (Text) isFilter() {}

// Sort orders results by a declared field. Equal values always fall back to
// ascending document id, so the total order is deterministic and pagination
// cursors stay stable under concurrent writes elsewhere.
type Sort struct {
	Field string
	Desc  bool
}

// Page is one query result page.
type Page struct {
	Documents []*Document

	// Cursor resumes the query after the last document of this page.
	// Empty when the result set is exhausted.
	Cursor string
}

type cursorData struct {
	Keys [][]byte `cbor:"k"`
	ID   uint64   `cbor:"i"`
}

// Query evaluates filter/sort/pagination against one collection. The
// planner prefers an index path: the first indexable equality or range
// predicate of a conjunction, or the full-text index when a text clause is
// present; otherwise it falls back to a full collection scan.
func (s *Store) Query(ctx context.Context, account uint64, collection string, filter Filter, sortBy []Sort, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("query limit must be positive")
	}
	coll, err := s.schema.Collection(collection)
	if err != nil {
		return nil, err
	}

	sortFields := make([]*fieldInfo, len(sortBy))
	for i, sk := range sortBy {
		f, err := coll.field(sk.Field)
		if err != nil {
			return nil, err
		}
		sortFields[i] = f
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if after != nil && len(after.Keys) != len(sortBy) {
		// A cursor minted under a different sort spec cannot resume this
		// query; its position is meaningless here.
		return nil, fmt.Errorf("malformed query cursor: carries %d sort keys, query has %d",
			len(after.Keys), len(sortBy))
	}

	start := time.Now()
	plan := "scan"
	var matched []*queryMatch

	err = s.view(ctx, account, func(btx backend.Tx) error {
		// Pre-evaluate text clauses so in-memory matching is a set lookup.
		textSets, err := s.evalTextClauses(ctx, btx, account, coll, filter)
		if err != nil {
			return err
		}

		candidates, chosenPlan, err := s.planCandidates(ctx, btx, account, coll, filter, textSets)
		if err != nil {
			return err
		}
		plan = chosenPlan

		for _, id := range candidates {
			doc, err := getDocument(ctx, btx, account, coll, id)
			if err != nil {
				if errors.Is(err, consts.ErrNotFound) && chosenPlan != "scan" {
					// An index entry pointing at a missing document violates
					// the derived-state invariant.
					return fmt.Errorf("%w: index entry for missing document %s/%d",
						consts.ErrCorruption, coll.Name, id)
				}
				return err
			}

			ok, err := matchFilter(coll, doc, filter, textSets)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			pos, err := sortPosition(coll, doc, sortBy, sortFields)
			if err != nil {
				return err
			}
			matched = append(matched, &queryMatch{doc: doc, pos: pos})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.QueryDuration.WithLabelValues(plan).Observe(time.Since(start).Seconds())

	sort.Slice(matched, func(i, j int) bool {
		return comparePositions(matched[i].pos, matched[j].pos, sortBy) < 0
	})

	page := &Page{}
	var lastPos cursorData
	for _, m := range matched {
		if after != nil && comparePositions(m.pos, *after, sortBy) <= 0 {
			continue
		}
		if len(page.Documents) == limit {
			// At least one match follows the full page; hand out a cursor.
			page.Cursor = encodeCursor(lastPos)
			return page, nil
		}
		page.Documents = append(page.Documents, m.doc)
		lastPos = m.pos
	}
	// Result set exhausted; empty cursor signals the end.
	return page, nil
}

type queryMatch struct {
	doc *Document
	pos cursorData
}

// planCandidates picks the cheapest access path and returns candidate
// document ids in ascending id order (index paths may return them in value
// order; ordering is finalized by the sort step either way).
func (s *Store) planCandidates(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, filter Filter, textSets map[*textKey]map[uint64]float64) ([]uint64, string, error) {
	clauses := conjunction(filter)

	// A text clause makes the full-text index the candidate source.
	for _, c := range clauses {
		if t, ok := c.(Text); ok {
			for key, set := range textSets {
				if key.query == t.Query {
					ids := make([]uint64, 0, len(set))
					for id := range set {
						ids = append(ids, id)
					}
					sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
					return ids, "fulltext", nil
				}
			}
		}
	}

	// First indexable predicate wins.
	for _, c := range clauses {
		cmp, ok := c.(Cmp)
		if !ok {
			continue
		}
		f, err := coll.field(cmp.Field)
		if err != nil || !f.def.Indexed {
			continue
		}
		ids, err := s.scanPredicate(ctx, btx, account, coll, f, cmp)
		if err != nil {
			return nil, "", err
		}
		return ids, "index", nil
	}

	// Full collection scan.
	var ids []uint64
	prefix := docPrefix(account, coll.ID)
	err := btx.Scan(ctx, prefix, backend.PrefixEnd(prefix), func(key, _ []byte) (bool, error) {
		ids = append(ids, decodeUint64(key[len(key)-8:]))
		return true, nil
	})
	if err != nil {
		return nil, "", err
	}
	return ids, "scan", nil
}

// conjunction flattens the top-level AND of a filter. Disjunctions and nil
// filters yield no plannable clauses, forcing the scan path.
func conjunction(filter Filter) []Filter {
	switch f := filter.(type) {
	case nil:
		return nil
	case And:
		return f
	case Cmp, Text:
		return []Filter{f}
	default:
		return nil
	}
}

func (s *Store) scanPredicate(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, f *fieldInfo, cmp Cmp) ([]uint64, error) {
	var ids []uint64
	collect := func(id uint64) (bool, error) {
		ids = append(ids, id)
		return true, nil
	}

	if cmp.Op == OpEq {
		encoded, err := f.encodeFieldValue(cmp.Value)
		if err != nil {
			return nil, err
		}
		return ids, scanIndexEq(ctx, btx, account, coll, f, encoded, collect)
	}

	if cmp.Op == OpPrefix {
		str, ok := cmp.Value.(string)
		if !ok || f.def.Type != FieldString {
			return nil, fmt.Errorf("%w: prefix comparison requires a string field", consts.ErrSchemaMismatch)
		}
		low := encodeIndexString(fts.FoldTerm(str))
		high := backend.PrefixEnd(low)
		return ids, scanIndexRange(ctx, btx, account, coll, f, low, high, func(_ []byte, id uint64) (bool, error) {
			return collect(id)
		})
	}

	encoded, err := f.encodeFieldValue(cmp.Value)
	if err != nil {
		return nil, err
	}

	// Entries for value v are exactly the keys with prefix enc(v) 0x00, so
	// appending 0x00 or 0x01 to enc(v) steers inclusivity of the bound.
	var low, high []byte
	switch cmp.Op {
	case OpGt:
		low = append(encoded, 0x01)
	case OpGe:
		low = encoded
	case OpLt:
		high = append(encoded, 0x00)
	case OpLe:
		high = append(encoded, 0x01)
	default:
		return nil, fmt.Errorf("%w: unsupported comparison operator %d", consts.ErrSchemaMismatch, cmp.Op)
	}
	return ids, scanIndexRange(ctx, btx, account, coll, f, low, high, func(_ []byte, id uint64) (bool, error) {
		return collect(id)
	})
}

type textKey struct {
	query string
}

// evalTextClauses evaluates every text clause of the filter once against
// the full-text index.
func (s *Store) evalTextClauses(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, filter Filter) (map[*textKey]map[uint64]float64, error) {
	sets := make(map[*textKey]map[uint64]float64)

	var walk func(f Filter) error
	walk = func(f Filter) error {
		switch v := f.(type) {
		case nil:
			return nil
		case And:
			for _, c := range v {
				if err := walk(c); err != nil {
					return err
				}
			}
		case Or:
			for _, c := range v {
				if err := walk(c); err != nil {
					return err
				}
			}
		case Text:
			parsed, err := fts.ParseQuery(v.Query, s.tokenizer)
			if err != nil {
				return err
			}
			scores := make(map[uint64]float64)
			for _, group := range parsed.Groups {
				groupScores, err := s.evalGroup(ctx, btx, account, coll, group)
				if err != nil {
					return err
				}
				for id, score := range groupScores {
					if existing, ok := scores[id]; !ok || score > existing {
						scores[id] = score
					}
				}
			}
			sets[&textKey{query: v.Query}] = scores
		}
		return nil
	}
	if err := walk(filter); err != nil {
		return nil, err
	}
	return sets, nil
}

// matchFilter applies the whole filter tree to a loaded document.
func matchFilter(coll *Collection, doc *Document, filter Filter, textSets map[*textKey]map[uint64]float64) (bool, error) {
	switch f := filter.(type) {
	case nil:
		return true, nil
	case And:
		for _, c := range f {
			ok, err := matchFilter(coll, doc, c, textSets)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, c := range f {
			ok, err := matchFilter(coll, doc, c, textSets)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Text:
		for key, set := range textSets {
			if key.query == f.Query {
				_, ok := set[doc.ID]
				return ok, nil
			}
		}
		return false, nil
	case Cmp:
		return matchCmp(coll, doc, f)
	default:
		return false, fmt.Errorf("%w: unknown filter node %T", consts.ErrSchemaMismatch, filter)
	}
}

func matchCmp(coll *Collection, doc *Document, cmp Cmp) (bool, error) {
	f, err := coll.field(cmp.Field)
	if err != nil {
		return false, err
	}
	value, present := doc.Fields[cmp.Field]
	if !present || value == nil {
		return false, nil
	}

	if cmp.Op == OpPrefix {
		str, ok := value.(string)
		want, ok2 := cmp.Value.(string)
		if !ok || !ok2 {
			return false, nil
		}
		return strings.HasPrefix(fts.FoldTerm(str), fts.FoldTerm(want)), nil
	}

	have, err := f.encodeFieldValue(value)
	if err != nil {
		return false, err
	}
	want, err := f.encodeFieldValue(cmp.Value)
	if err != nil {
		return false, err
	}

	c := bytes.Compare(have, want)
	switch cmp.Op {
	case OpEq:
		return c == 0, nil
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	}
	return false, fmt.Errorf("%w: unsupported comparison operator %d", consts.ErrSchemaMismatch, cmp.Op)
}

// sortPosition builds the comparable position of a document under the sort
// spec: one encoded key per sort field plus the id tie-break.
func sortPosition(coll *Collection, doc *Document, sortBy []Sort, fields []*fieldInfo) (cursorData, error) {
	pos := cursorData{ID: doc.ID, Keys: make([][]byte, len(sortBy))}
	for i, f := range fields {
		value, present := doc.Fields[sortBy[i].Field]
		if !present || value == nil {
			pos.Keys[i] = nil // absent values sort first ascending
			continue
		}
		encoded, err := f.encodeFieldValue(value)
		if err != nil {
			return cursorData{}, err
		}
		pos.Keys[i] = encoded
	}
	return pos, nil
}

// comparePositions is the total order of query results: sort keys in spec
// order (reversed per key when descending), then ascending document id.
func comparePositions(a, b cursorData, sortBy []Sort) int {
	for i := range sortBy {
		c := bytes.Compare(a.Keys[i], b.Keys[i])
		if sortBy[i].Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func encodeCursor(pos cursorData) string {
	data, err := encMode.Marshal(pos)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(cursor string) (*cursorData, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("malformed query cursor: %w", err)
	}
	var pos cursorData
	if err := decMode.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("malformed query cursor: %w", err)
	}
	return &pos, nil
}
