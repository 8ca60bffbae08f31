// Package match implements the keyword trie that routes free text to
// candidate handlers. A trie is built once from a registry snapshot and is
// read-only afterwards; lookups are side-effect-free and safe for unlimited
// concurrent callers. Reloads build a new trie and swap it wholesale.
package match

import (
	"fmt"
	"sort"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

// Params holds the tunable scoring constants. The relative weights are a
// design choice, not a contract; defaults are pinned by tests.
type Params struct {
	// MaxInputLength rejects oversized queries before tokenization.
	MaxInputLength int
	// PhraseBonus multiplies the contribution of multi-word triggers so a
	// full-phrase match outranks incidental single-word hits.
	PhraseBonus float64
	// CategoryBoost is the score increment a handler receives per matched
	// category it is tagged with, without any direct keyword match required.
	CategoryBoost float64
	// ParallelThreshold is the minimum score for a candidate to count as
	// high-confidence when deciding whether to suggest parallel dispatch.
	ParallelThreshold float64
}

// DefaultParams returns the default scoring constants.
func DefaultParams() Params {
	return Params{
		MaxInputLength:    4096,
		PhraseBonus:       1.5,
		CategoryBoost:     0.2,
		ParallelThreshold: 1.0,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MaxInputLength <= 0 {
		p.MaxInputLength = d.MaxInputLength
	}
	if p.PhraseBonus <= 0 {
		p.PhraseBonus = d.PhraseBonus
	}
	if p.CategoryBoost < 0 {
		p.CategoryBoost = 0
	}
	if p.ParallelThreshold <= 0 {
		p.ParallelThreshold = d.ParallelThreshold
	}
	return p
}

type terminal struct {
	keyword  string
	handlers []string
}

type node struct {
	children map[byte]*node
	terminal *terminal
}

func newNode() *node {
	return &node{children: make(map[byte]*node)}
}

// Trie is an immutable prefix index over normalized trigger keywords.
type Trie struct {
	root        *node
	descriptors map[string]domain.HandlerDescriptor
	params      Params
}

// Build constructs a new trie from the full descriptor set. It is a pure
// function: no existing trie is touched, so a reload can build the
// replacement while readers keep using the old tree.
func Build(descriptors []domain.HandlerDescriptor, params Params) *Trie {
	t := &Trie{
		root:        newNode(),
		descriptors: make(map[string]domain.HandlerDescriptor, len(descriptors)),
		params:      params.withDefaults(),
	}
	for _, d := range descriptors {
		t.descriptors[d.Name] = d
		for _, kw := range d.TriggerKeywords {
			t.insert(Normalize(kw), d.Name)
		}
	}
	return t
}

func (t *Trie) insert(keyword, handler string) {
	if keyword == "" {
		return
	}
	n := t.root
	for i := 0; i < len(keyword); i++ {
		c := keyword[i]
		child, ok := n.children[c]
		if !ok {
			child = newNode()
			n.children[c] = child
		}
		n = child
	}
	if n.terminal == nil {
		n.terminal = &terminal{keyword: keyword}
	}
	n.terminal.handlers = append(n.terminal.handlers, handler)
}

// keywordWeight is the score contribution of one matched trigger. Longer
// phrases carry more words and multi-word triggers additionally receive the
// phrase bonus, so a full-phrase match always outranks a single-word hit.
func (t *Trie) keywordWeight(keyword string) float64 {
	words := wordCount(keyword)
	w := float64(words)
	if words > 1 {
		w *= t.params.PhraseBonus
	}
	return w
}

// Match tokenizes the input and walks the trie from every token start,
// aggregating per-handler scores over all matched triggers. Empty input
// yields an empty result; oversized input is rejected.
func (t *Trie) Match(text string) (domain.MatchResult, error) {
	if len(text) > t.params.MaxInputLength {
		return domain.MatchResult{}, fmt.Errorf("%w: %d bytes (max %d)",
			domain.ErrInputTooLarge, len(text), t.params.MaxInputLength)
	}

	norm := Normalize(text)
	if norm == "" {
		return domain.MatchResult{}, nil
	}

	scores := make(map[string]float64)
	var matchedOrder []string
	matchedSeen := make(map[string]struct{})

	for i := 0; i < len(norm); i++ {
		if i > 0 && norm[i-1] != ' ' {
			continue // only anchor at word starts
		}
		n := t.root
		for j := i; j < len(norm); j++ {
			child, ok := n.children[norm[j]]
			if !ok {
				break
			}
			n = child
			if n.terminal == nil {
				continue
			}
			// A trigger only counts when it ends on a word boundary.
			if j+1 != len(norm) && norm[j+1] != ' ' {
				continue
			}
			kw := n.terminal.keyword
			if _, seen := matchedSeen[kw]; !seen {
				matchedSeen[kw] = struct{}{}
				matchedOrder = append(matchedOrder, kw)
				w := t.keywordWeight(kw)
				for _, h := range n.terminal.handlers {
					scores[h] += w
				}
			}
		}
	}

	if len(scores) == 0 {
		return domain.MatchResult{MatchedKeywords: matchedOrder}, nil
	}

	categories := t.matchedCategories(scores)
	t.applyCategoryBoost(scores, categories)

	result := domain.MatchResult{
		MatchedKeywords: matchedOrder,
		Candidates:      t.rank(scores),
		Categories:      categories,
	}
	result.SuggestsParallel = t.suggestsParallel(result.Candidates)
	return result, nil
}

// matchedCategories derives the category set from handlers with direct
// keyword matches, sorted for deterministic output.
func (t *Trie) matchedCategories(scores map[string]float64) []string {
	set := make(map[string]struct{})
	for name := range scores {
		if d, ok := t.descriptors[name]; ok {
			set[string(d.Category)] = struct{}{}
		}
	}
	cats := make([]string, 0, len(set))
	for c := range set {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// applyCategoryBoost credits handlers tagged with a matched category, pulling
// in category-level specialists that had no direct keyword hit.
func (t *Trie) applyCategoryBoost(scores map[string]float64, categories []string) {
	if t.params.CategoryBoost <= 0 || len(categories) == 0 {
		return
	}
	for _, d := range t.descriptors {
		for _, cat := range categories {
			if d.HasTag(cat) {
				scores[d.Name] += t.params.CategoryBoost
			}
		}
	}
}

func (t *Trie) rank(scores map[string]float64) []domain.Candidate {
	candidates := make([]domain.Candidate, 0, len(scores))
	for name, score := range scores {
		priority := 5
		if d, ok := t.descriptors[name]; ok {
			priority = d.Priority
		}
		candidates = append(candidates, domain.Candidate{
			Handler:  name,
			Score:    score,
			Priority: priority,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Handler < b.Handler
	})
	return candidates
}

// suggestsParallel is true when two or more high-confidence candidates span
// distinct categories, indicating independent work that can fan out.
func (t *Trie) suggestsParallel(candidates []domain.Candidate) bool {
	cats := make(map[domain.Category]struct{})
	for _, c := range candidates {
		if c.Score < t.params.ParallelThreshold {
			continue
		}
		if d, ok := t.descriptors[c.Handler]; ok {
			cats[d.Category] = struct{}{}
		}
	}
	return len(cats) >= 2
}

// Descriptor returns the descriptor a trie was built with, by handler name.
func (t *Trie) Descriptor(name string) (domain.HandlerDescriptor, bool) {
	d, ok := t.descriptors[name]
	return d, ok
}

// Size returns the number of handlers indexed by this trie.
func (t *Trie) Size() int {
	return len(t.descriptors)
}
