// Package classifier provides the text classifier served by the public API.
//
// Keywords is a deliberately small stand-in: it labels a text with the label
// whose keywords occur most often in it.
package classifier

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"
)

// ErrEmptyInput is returned when there is nothing to classify.
var ErrEmptyInput = errors.New("classifier: empty input")

// DefaultLabel is returned when no keyword matches.
const DefaultLabel = "unknown"

// Result is the outcome of one classification.
type Result struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Model describes the loaded model.
type Model struct {
	Name   string              `json:"name"`
	Config map[string][]string `json:"config"`
}

// Classifier maps text to a label.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
	Model() Model
	// Size is the in-memory footprint of the model, in bytes.
	Size() int64
}

// Keywords classifies by keyword counts.
type Keywords struct {
	name   string
	labels []string
	index  map[string][]string
	config map[string][]string
	size   int64
}

// NewKeywords builds a classifier from label -> comma-separated keywords.
func NewKeywords(name string, labels map[string]string) *Keywords {
	k := &Keywords{
		name:   name,
		index:  make(map[string][]string),
		config: make(map[string][]string, len(labels)),
	}
	for label, list := range labels {
		k.labels = append(k.labels, label)
		for _, word := range strings.Split(list, ",") {
			word = strings.ToLower(strings.TrimSpace(word))
			if word == "" {
				continue
			}
			k.index[word] = append(k.index[word], label)
			k.config[label] = append(k.config[label], word)
			k.size += int64(len(word) + len(label))
		}
	}
	sort.Strings(k.labels)
	return k
}

// Classify returns the label with the most keyword hits. Ties go to the
// label that sorts first. Score is the share of words that hit that label.
func (k *Keywords) Classify(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return Result{}, ErrEmptyInput
	}

	hits := make(map[string]int)
	for _, w := range words {
		for _, label := range k.index[w] {
			hits[label]++
		}
	}

	best, bestHits := DefaultLabel, 0
	for _, label := range k.labels {
		if hits[label] > bestHits {
			best, bestHits = label, hits[label]
		}
	}
	return Result{Label: best, Score: float64(bestHits) / float64(len(words))}, nil
}

// Model returns the model description.
func (k *Keywords) Model() Model {
	return Model{Name: k.name, Config: k.config}
}

// Size returns the approximate bytes held by the keyword index.
func (k *Keywords) Size() int64 {
	return k.size
}

var _ Classifier = (*Keywords)(nil)
