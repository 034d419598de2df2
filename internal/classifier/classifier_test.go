package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeywords() *Keywords {
	return NewKeywords("keywords", map[string]string{
		"invoice": "invoice, total, vat",
		"receipt": "receipt,total",
		"empty":   " , ",
	})
}

func TestKeywords_Classify(t *testing.T) {
	k := newTestKeywords()

	tests := []struct {
		name  string
		text  string
		label string
		score float64
	}{
		{"single hit", "Invoice number 12", "invoice", 1.0 / 3},
		{"most hits wins", "receipt: total VAT invoice", "invoice", 0.75},
		{"tie goes to first label", "total", "invoice", 1},
		{"no hit", "hello world", DefaultLabel, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := k.Classify(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.label, res.Label)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
		})
	}
}

func TestKeywords_EmptyInput(t *testing.T) {
	k := newTestKeywords()
	for _, text := range []string{"", "   ", "!!!"} {
		_, err := k.Classify(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyInput, "%q", text)
	}
}

func TestKeywords_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestKeywords().Classify(ctx, "invoice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeywords_Model(t *testing.T) {
	k := newTestKeywords()
	m := k.Model()
	assert.Equal(t, "keywords", m.Name)
	assert.ElementsMatch(t, []string{"invoice", "total", "vat"}, m.Config["invoice"])
	assert.NotContains(t, m.Config, "empty")
	assert.Positive(t, k.Size())
}
