// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package augment decides whether a chat turn needs live web results and
// builds the system instruction sent ahead of the conversation.
package augment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/chatrelay/internal/search"
)

// MaxResults is the number of search results placed in the instruction.
const MaxResults = 5

// DefaultTimeout bounds the search call.
const DefaultTimeout = 10 * time.Second

// DefaultInstruction is used whenever no search results are available.
const DefaultInstruction = "Você é um assistente virtual prestativo e amigável. Responda de forma clara, concisa e útil em português."

const augmentedPreamble = "Você é um assistente virtual prestativo e amigável. Use as seguintes informações da web para responder a pergunta do usuário de forma precisa e atualizada. Sempre cite as fontes quando usar informações específicas.\n\nResultados da busca:\n"

// =============================================================================
// TRIGGER MATCHING
// =============================================================================

var triggerTerms = []string{
	"busca", "pesquisa", "procura", "encontre", "busque", "pesquise",
	"qual é", "qual e", "quais são", "quais sao",
	"notícias", "noticias", "atual", "recente", "hoje", "agora",
	"preço", "preco", "valor", "quanto custa",
	"onde", "quando", "como funciona",
	"última", "ultimo", "mais recente",
}

var foldedTriggers = func() []string {
	out := make([]string, len(triggerTerms))
	for i, term := range triggerTerms {
		out[i] = fold(term)
	}
	return out
}()

// fold normalises to NFC and case-folds. A Caser keeps state, so each call
// gets its own.
func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// NeedsWebSearch reports whether text contains any trigger term. Matching
// is a case-insensitive substring test, so "agora" also matches inside
// longer words.
func NeedsWebSearch(text string) bool {
	folded := fold(text)
	for _, term := range foldedTriggers {
		if strings.Contains(folded, term) {
			return true
		}
	}
	return false
}

// TriggerTerms returns a copy of the trigger vocabulary.
func TriggerTerms() []string {
	out := make([]string, len(triggerTerms))
	copy(out, triggerTerms)
	return out
}

// =============================================================================
// AUGMENTER
// =============================================================================

// Augmenter produces the system instruction for a request. A nil searcher
// disables augmentation.
type Augmenter struct {
	searcher search.Searcher
	timeout  time.Duration
}

// New creates an augmenter backed by searcher.
func New(searcher search.Searcher) *Augmenter {
	return &Augmenter{searcher: searcher, timeout: DefaultTimeout}
}

// WithTimeout sets the bound on the search call.
func (a *Augmenter) WithTimeout(d time.Duration) *Augmenter {
	if d > 0 {
		a.timeout = d
	}
	return a
}

// Enabled reports whether a searcher is configured.
func (a *Augmenter) Enabled() bool {
	return a != nil && a.searcher != nil
}

// SystemInstruction returns the instruction for a conversation whose last
// turn is text. When text matches a trigger term, exactly one search is
// made with text as the query. Search failures fall back to the default
// instruction and are never retried.
func (a *Augmenter) SystemInstruction(ctx context.Context, text string) string {
	if !a.Enabled() || !NeedsWebSearch(text) {
		return DefaultInstruction
	}

	searchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	results, err := a.searcher.Search(searchCtx, text)
	if err != nil {
		log.Warn().
			Err(err).
			Dur("elapsed", time.Since(start)).
			Msg("SEARCH_FAILED")
		return DefaultInstruction
	}

	log.Debug().
		Int("results", len(results)).
		Dur("elapsed", time.Since(start)).
		Msg("SEARCH_DONE")

	if len(results) == 0 {
		return DefaultInstruction
	}
	return augmentedPreamble + FormatResults(results)
}

// FormatResults renders up to MaxResults results as instruction blocks.
func FormatResults(results []search.Result) string {
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = fmt.Sprintf("Título: %s\nConteúdo: %s\nURL: %s", r.Title, r.Snippet, r.URL)
	}
	return strings.Join(blocks, "\n\n")
}
