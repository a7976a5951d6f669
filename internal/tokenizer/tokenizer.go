// Package tokenizer splits raw search text into an optional filter-prefix
// keyword and a sequence of search tokens.
package tokenizer

import (
	"fmt"
	"regexp"
)

// Tokenizer splits search text using the tenant's word-split pattern and
// filter-prefix character class. Safe for concurrent use.
type Tokenizer struct {
	wordSplit  *regexp.Regexp
	filterword *regexp.Regexp
}

// New compiles a tokenizer from the word-split pattern and the character
// class allowed in filter-prefix keywords (e.g. `\w.`).
func New(wordSplitRe, filterwordChars string) (*Tokenizer, error) {
	wordSplit, err := regexp.Compile(wordSplitRe)
	if err != nil {
		return nil, fmt.Errorf("compile word split pattern: %w", err)
	}
	filterword, err := regexp.Compile(`^([` + filterwordChars + `]+):\s*`)
	if err != nil {
		return nil, fmt.Errorf("compile filterword pattern: %w", err)
	}
	return &Tokenizer{wordSplit: wordSplit, filterword: filterword}, nil
}

// Tokenize extracts the leading filter keyword, if any, and splits the
// remaining text into tokens. filterword is empty when no prefix matched.
// An empty token list is valid and signals "no results" to callers.
func (t *Tokenizer) Tokenize(searchtext string) (filterword string, tokens []string) {
	if m := t.filterword.FindStringSubmatchIndex(searchtext); m != nil {
		return searchtext[m[2]:m[3]], t.SplitWords(searchtext[m[1]:])
	}
	return "", t.SplitWords(searchtext)
}

// SplitWords splits text on the word-split pattern, dropping empty fragments
// and preserving order.
func (t *Tokenizer) SplitWords(searchtext string) []string {
	parts := t.wordSplit.Split(searchtext, -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}
