// Package match selects a flow for an inbound message. Triggers and
// candidate text are normalized the same way (lowercase, diacritics
// stripped) so "Holá" finds a flow triggered on "hola".
package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// DefaultTrigger is the literal fallback trigger keyword.
const DefaultTrigger = "default"

// Normalize lowercases, trims, and strips diacritic marks.
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		return s
	}
	return out
}

// Context is the inbound material the matcher scores against.
type Context struct {
	FullText         string
	InteractiveTitle string
	InteractiveID    string
}

// Candidate pairs a trigger keyword with an opaque reference (flow index).
type Candidate struct {
	Trigger   string
	UpdatedAt int64 // unix nanos, tie-break by recency
}

// Triggered reports whether a trigger keyword matches the inbound context:
// token equality, substring of the text or interactive title, interactive
// id equality, or the literal default trigger.
func Triggered(trigger string, mc Context) bool {
	t := Normalize(trigger)
	if t == "" {
		return false
	}
	if t == DefaultTrigger {
		return true
	}
	text := Normalize(mc.FullText)
	title := Normalize(mc.InteractiveTitle)
	id := Normalize(mc.InteractiveID)
	if text == t || strings.Contains(text, t) {
		return true
	}
	if title != "" && (title == t || strings.Contains(title, t)) {
		return true
	}
	return id != "" && id == t
}

// Best returns the index of the highest-scoring candidate, or -1 for an
// empty set. With no positive score the first candidate wins.
func Best(candidates []Candidate, mc Context) int {
	if len(candidates) == 0 {
		return -1
	}

	text := Normalize(mc.FullText)
	title := Normalize(mc.InteractiveTitle)
	id := Normalize(mc.InteractiveID)

	tokens := map[string]bool{text: true}
	for _, w := range strings.Fields(text) {
		tokens[w] = true
	}
	if title != "" {
		tokens[title] = true
	}
	if id != "" {
		tokens[id] = true
	}

	best, bestScore := -1, 0
	for i, c := range candidates {
		t := Normalize(c.Trigger)
		if t == "" {
			continue
		}

		score := 0
		if tokens[t] ||
			strings.Contains(text, t) ||
			(title != "" && strings.Contains(title, t)) ||
			(id != "" && id == t) {
			score += 6
		}
		if text == t {
			score += 2
		}
		if title != "" && title == t {
			score++
		}
		if id != "" && id == t {
			score++
		}
		if t == DefaultTrigger {
			score++
		}

		if score > bestScore ||
			(score == bestScore && best >= 0 && score > 0 && c.UpdatedAt > candidates[best].UpdatedAt) {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		return 0
	}
	return best
}
