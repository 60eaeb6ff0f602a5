package fts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryConjunction(t *testing.T) {
	q, err := ParseQuery("hello world", NewBasic())
	require.NoError(t, err)
	require.Len(t, q.Groups, 1)
	assert.Equal(t, []Node{{Term: "hello"}, {Term: "world"}}, q.Groups[0])
}

func TestParseQueryDisjunction(t *testing.T) {
	q, err := ParseQuery("hello OR world bye", NewBasic())
	require.NoError(t, err)
	require.Len(t, q.Groups, 2)
	assert.Equal(t, []Node{{Term: "hello"}}, q.Groups[0])
	assert.Equal(t, []Node{{Term: "world"}, {Term: "bye"}}, q.Groups[1])
}

func TestParseQueryNegation(t *testing.T) {
	q, err := ParseQuery("keep -drop", NewBasic())
	require.NoError(t, err)
	require.Len(t, q.Groups, 1)
	assert.Equal(t, []Node{{Term: "keep"}, {Term: "drop", Negated: true}}, q.Groups[0])
}

func TestParseQueryPrefix(t *testing.T) {
	q, err := ParseQuery("hel*", NewBasic())
	require.NoError(t, err)
	assert.Equal(t, []Node{{Term: "hel", Prefix: true}}, q.Groups[0])
}

func TestParseQueryPhrase(t *testing.T) {
	q, err := ParseQuery(`"Hello World" extra`, NewBasic())
	require.NoError(t, err)
	require.Len(t, q.Groups, 1)
	assert.Equal(t, Node{Phrase: []string{"hello", "world"}}, q.Groups[0][0])
	assert.Equal(t, Node{Term: "extra"}, q.Groups[0][1])
}

func TestParseQuerySingleTermPhraseCollapses(t *testing.T) {
	q, err := ParseQuery(`"hello"`, NewBasic())
	require.NoError(t, err)
	assert.Equal(t, []Node{{Term: "hello"}}, q.Groups[0])
}

func TestParseQueryNegatedPhrase(t *testing.T) {
	q, err := ParseQuery(`keep -"bad words"`, NewBasic())
	require.NoError(t, err)
	require.Len(t, q.Groups[0], 2)
	node := q.Groups[0][1]
	assert.True(t, node.Negated)
	assert.Equal(t, []string{"bad", "words"}, node.Phrase)
}

func TestParseQueryFoldsTerms(t *testing.T) {
	q, err := ParseQuery("HeLLo", NewBasic())
	require.NoError(t, err)
	assert.Equal(t, "hello", q.Groups[0][0].Term)
}

func TestParseQueryErrors(t *testing.T) {
	_, err := ParseQuery("", NewBasic())
	assert.Error(t, err)

	_, err = ParseQuery("OR hello", NewBasic())
	assert.Error(t, err)

	_, err = ParseQuery(`"unterminated`, NewBasic())
	assert.Error(t, err)
}

func TestQueryIsEmpty(t *testing.T) {
	q, err := ParseQuery("-only -negations", NewBasic())
	require.NoError(t, err)
	assert.True(t, q.IsEmpty())

	q, err = ParseQuery("-negated positive", NewBasic())
	require.NoError(t, err)
	assert.False(t, q.IsEmpty())
}
