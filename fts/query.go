package fts

import (
	"fmt"
	"strings"
)

// Node is one clause of a parsed query: a term, a prefix match (trailing
// "*") or a phrase (quoted). Negated nodes exclude matching documents.
type Node struct {
	Term    string
	Prefix  bool
	Phrase  []string
	Negated bool
}

// Query is a disjunction of conjunctions: terms separated by whitespace are
// ANDed, groups separated by the OR keyword are ORed.
type Query struct {
	Groups [][]Node
}

// IsEmpty reports whether the query contains no positive clause.
func (q *Query) IsEmpty() bool {
	for _, g := range q.Groups {
		for _, n := range g {
			if !n.Negated {
				return false
			}
		}
	}
	return true
}

// ParseQuery parses a search string. Syntax:
//
//	hello world        both terms must match
//	hello OR world     either term matches
//	"hello world"      phrase, ordered adjacent positions
//	hel*               prefix match
//	-spam              excludes documents matching "spam"
func ParseQuery(input string, tok Tokenizer) (*Query, error) {
	raw, err := splitQuery(input)
	if err != nil {
		return nil, err
	}

	q := &Query{}
	var group []Node

	for _, part := range raw {
		if part == "OR" {
			if len(group) == 0 {
				return nil, fmt.Errorf("misplaced OR in query %q", input)
			}
			q.Groups = append(q.Groups, group)
			group = nil
			continue
		}

		negated := false
		if strings.HasPrefix(part, "-") && len(part) > 1 {
			negated = true
			part = part[1:]
		}

		if strings.HasPrefix(part, "\"") {
			phrase := strings.Trim(part, "\"")
			var terms []string
			for _, t := range tok.Tokenize(phrase) {
				terms = append(terms, t.Term)
			}
			if len(terms) == 0 {
				continue
			}
			if len(terms) == 1 {
				group = append(group, Node{Term: terms[0], Negated: negated})
			} else {
				group = append(group, Node{Phrase: terms, Negated: negated})
			}
			continue
		}

		prefix := false
		if strings.HasSuffix(part, "*") && len(part) > 1 {
			prefix = true
			part = part[:len(part)-1]
		}

		term := FoldTerm(part)
		if term == "" {
			continue
		}
		group = append(group, Node{Term: term, Prefix: prefix, Negated: negated})
	}

	if len(group) > 0 {
		q.Groups = append(q.Groups, group)
	}
	if len(q.Groups) == 0 {
		return nil, fmt.Errorf("empty query")
	}
	return q, nil
}

// splitQuery splits on whitespace, keeping quoted phrases together.
func splitQuery(input string) ([]string, error) {
	var parts []string
	var b strings.Builder
	inQuote := false

	flush := func() {
		if b.Len() > 0 {
			parts = append(parts, b.String())
			b.Reset()
		}
	}

	for _, r := range input {
		switch {
		case r == '"':
			b.WriteRune(r)
			if inQuote {
				flush()
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			b.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated phrase in query %q", input)
	}
	flush()
	return parts, nil
}
