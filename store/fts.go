package store

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/fts"
	"github.com/ternmail/tern/pkg/metrics"
)

// Positions restart at a field boundary offset so a phrase can never match
// across two different fields.
const fieldPositionGap = 1 << 20

func ftsPrefix(account uint64, collection uint8) []byte {
	k := make([]byte, 0, 10)
	k = append(k, ksFTS)
	k = appendUint64(k, account)
	return append(k, collection)
}

// ftsEntries derives the posting keys (and their weight values) a
// document's full-text fields imply. Deterministic for a given tokenizer,
// which is how postings are retracted: recompute from the old field values
// and delete.
func (s *Store) ftsEntries(account uint64, coll *Collection, id uint64, fields map[string]any) map[string]byte {
	entries := make(map[string]byte)
	if fields == nil {
		return entries
	}

	// Stable field order keeps position assignment deterministic.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fieldIndex := uint32(0)
	for _, name := range names {
		f, ok := coll.fieldsByName[name]
		if !ok || !f.def.FullText {
			continue
		}
		text, ok := fields[name].(string)
		if !ok || text == "" {
			continue
		}
		if f.def.HTML {
			text = fts.StripHTML(text)
		}

		base := fieldIndex * fieldPositionGap
		fieldIndex++
		for _, tok := range s.tokenizer.Tokenize(text) {
			key := ftsKey(account, coll.ID, tok.Term, id, base+tok.Position)
			entries[string(key)] = f.weight()
		}
	}
	return entries
}

// applyFTSDiff retracts postings the old state implied and writes the new
// ones, all inside the document's transaction. A document's postings are
// fully retracted before its update lands; no posting ever points at a
// superseded version.
func (tx *Tx) applyFTSDiff(ctx context.Context, coll *Collection, id uint64, oldFields, newFields map[string]any) error {
	oldEntries := tx.store.ftsEntries(tx.account, coll, id, oldFields)
	newEntries := tx.store.ftsEntries(tx.account, coll, id, newFields)

	for key := range oldEntries {
		if _, keep := newEntries[key]; keep {
			continue
		}
		if err := tx.btx.Delete(ctx, []byte(key)); err != nil {
			return err
		}
		metrics.FTSPostingsTotal.WithLabelValues("remove").Inc()
	}
	for key, weight := range newEntries {
		if _, had := oldEntries[key]; had {
			continue
		}
		if err := tx.btx.Put(ctx, []byte(key), []byte{weight}); err != nil {
			return err
		}
		metrics.FTSPostingsTotal.WithLabelValues("add").Inc()
	}
	return nil
}

// docMatches maps document id -> match state for one query clause.
type docMatches map[uint64]*matchState

type matchState struct {
	score     float64
	positions map[string][]uint32 // term -> positions, kept only for phrases
}

// Search evaluates a full-text query and returns up to limit document ids
// ranked by summed term weight (term frequency weighting), ties broken by
// ascending id.
func (s *Store) Search(ctx context.Context, account uint64, collection, query string, limit int) ([]uint64, error) {
	coll, err := s.schema.Collection(collection)
	if err != nil {
		return nil, err
	}
	parsed, err := fts.ParseQuery(query, s.tokenizer)
	if err != nil {
		return nil, err
	}
	if parsed.IsEmpty() {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.FTSSearchDuration.Observe(time.Since(start).Seconds())
	}()

	scores := make(map[uint64]float64)
	err = s.view(ctx, account, func(btx backend.Tx) error {
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
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := scores[ids[i]], scores[ids[j]]
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// evalGroup evaluates one AND-group: positive clauses intersect, negated
// clauses subtract.
func (s *Store) evalGroup(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, group []fts.Node) (map[uint64]float64, error) {
	var result map[uint64]float64

	for _, node := range group {
		if node.Negated {
			continue
		}
		matches, err := s.evalNode(ctx, btx, account, coll, node)
		if err != nil {
			return nil, err
		}

		if result == nil {
			result = make(map[uint64]float64, len(matches))
			for id, m := range matches {
				result[id] = m.score
			}
			continue
		}
		for id := range result {
			m, ok := matches[id]
			if !ok {
				delete(result, id)
				continue
			}
			result[id] += m.score
		}
	}
	if result == nil {
		return nil, nil
	}

	for _, node := range group {
		if !node.Negated {
			continue
		}
		matches, err := s.evalNode(ctx, btx, account, coll, node)
		if err != nil {
			return nil, err
		}
		for id := range matches {
			delete(result, id)
		}
	}
	return result, nil
}

func (s *Store) evalNode(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, node fts.Node) (docMatches, error) {
	switch {
	case len(node.Phrase) > 0:
		return s.evalPhrase(ctx, btx, account, coll, node.Phrase)
	case node.Prefix:
		return s.scanTermRange(ctx, btx, account, coll, node.Term, true, false)
	default:
		return s.scanTermRange(ctx, btx, account, coll, node.Term, false, false)
	}
}

// scanTermRange collects postings for a term (or all terms sharing a
// prefix). keepPositions retains per-term position lists for phrase
// adjacency checks.
func (s *Store) scanTermRange(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, term string, prefix, keepPositions bool) (docMatches, error) {
	var start []byte
	if prefix {
		start = ftsTermRangePrefix(account, coll.ID, term)
	} else {
		start = ftsTermPrefix(account, coll.ID, term)
	}
	end := backend.PrefixEnd(start)

	collPrefix := ftsPrefix(account, coll.ID)
	matches := make(docMatches)

	err := btx.Scan(ctx, start, end, func(key, value []byte) (bool, error) {
		// Key layout: collPrefix term 0x00 id(8) pos(4).
		rest := key[len(collPrefix):]
		if len(rest) < 13 {
			return false, corruptIndexKey(coll.Name, key)
		}
		id := decodeUint64(rest[len(rest)-12 : len(rest)-4])
		pos := binary.BigEndian.Uint32(rest[len(rest)-4:])
		if rest[len(rest)-13] != 0x00 {
			return false, corruptIndexKey(coll.Name, key)
		}
		tokTerm := string(rest[:len(rest)-13])

		weight := float64(1)
		if len(value) == 1 {
			weight = float64(value[0])
		}

		m := matches[id]
		if m == nil {
			m = &matchState{}
			matches[id] = m
		}
		m.score += weight
		if keepPositions {
			if m.positions == nil {
				m.positions = make(map[string][]uint32)
			}
			m.positions[tokTerm] = append(m.positions[tokTerm], pos)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// evalPhrase matches ordered adjacent positions: term i+1 must occur at
// position+1 of term i within the same document.
func (s *Store) evalPhrase(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, terms []string) (docMatches, error) {
	perTerm := make([]docMatches, len(terms))
	for i, term := range terms {
		m, err := s.scanTermRange(ctx, btx, account, coll, term, false, true)
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			return docMatches{}, nil
		}
		perTerm[i] = m
	}

	result := make(docMatches)
	for id, first := range perTerm[0] {
		starts := first.positions[terms[0]]
		score := first.score

		for _, start := range starts {
			ok := true
			for i := 1; i < len(terms); i++ {
				m, present := perTerm[i][id]
				if !present || !containsPos(m.positions[terms[i]], start+uint32(i)) {
					ok = false
					break
				}
			}
			if ok {
				for i := 1; i < len(terms); i++ {
					score += perTerm[i][id].score
				}
				result[id] = &matchState{score: score}
				break
			}
		}
	}
	return result, nil
}

func containsPos(positions []uint32, want uint32) bool {
	for _, p := range positions {
		if p == want {
			return true
		}
	}
	return false
}
