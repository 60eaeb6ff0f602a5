// Package fts provides tokenization and query parsing for the full-text
// engine. Posting maintenance and evaluation live in the store package,
// inside the same transaction boundary as document writes; this package only
// turns text into tokens and query strings into a small boolean AST.
package fts

import (
	"unicode"

	"github.com/k3a/html2text"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Token is a single indexable term with its position in the source text.
type Token struct {
	Term     string
	Position uint32
}

// Tokenizer turns a text field into indexable tokens. Implementations must
// be deterministic: the store retracts a document's postings by re-deriving
// them from the stored field values.
type Tokenizer interface {
	Tokenize(text string) []Token
}

// Basic is a language-neutral tokenizer: NFC normalization, Unicode word
// boundaries on letters and digits, case folding. Language-aware stemming
// is supplied by an external collaborator implementing Tokenizer.
type Basic struct {
	MinTokenLength int // default 2
	MaxTokenLength int // default 40; longer tokens are skipped, not truncated
}

// NewBasic returns a Basic tokenizer with default limits.
func NewBasic() *Basic {
	return &Basic{MinTokenLength: 2, MaxTokenLength: 40}
}

func (b *Basic) minLen() int {
	if b.MinTokenLength > 0 {
		return b.MinTokenLength
	}
	return 2
}

func (b *Basic) maxLen() int {
	if b.MaxTokenLength > 0 {
		return b.MaxTokenLength
	}
	return 40
}

func (b *Basic) Tokenize(text string) []Token {
	text = norm.NFC.String(text)
	folder := cases.Fold()

	var tokens []Token
	var pos uint32
	start := -1

	flush := func(end int) {
		if start < 0 {
			return
		}
		word := text[start:end]
		start = -1
		if len(word) < b.minLen() || len(word) > b.maxLen() {
			pos++
			return
		}
		tokens = append(tokens, Token{Term: folder.String(word), Position: pos})
		pos++
	}

	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))

	return tokens
}

// FoldTerm normalizes a single query term the same way Basic normalizes
// indexed text.
func FoldTerm(term string) string {
	return cases.Fold().String(norm.NFC.String(term))
}

// StripHTML converts an HTML field value to plain text before tokenization.
func StripHTML(s string) string {
	return html2text.HTML2Text(s)
}
