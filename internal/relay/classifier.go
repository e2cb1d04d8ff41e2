package relay

import (
	"strings"

	"github.com/xkilldash9x/uia-bridge/internal/config"
)

// Classifier maps raw output lines to a Class using substring pattern tables.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	fatal       []string
	benign      []string
	errorMarker string
}

// NewClassifier builds a Classifier from the configured pattern tables.
func NewClassifier(cfg config.PatternsConfig) *Classifier {
	marker := cfg.ErrorMarker
	if marker == "" {
		marker = config.DefaultErrorMarker
	}
	return &Classifier{
		fatal:       append([]string(nil), cfg.Fatal...),
		benign:      append([]string(nil), cfg.Benign...),
		errorMarker: marker,
	}
}

// DefaultClassifier uses the built-in instruments pattern tables.
func DefaultClassifier() *Classifier {
	return NewClassifier(config.PatternsConfig{
		Fatal:       config.DefaultFatalPatterns,
		Benign:      config.DefaultBenignPatterns,
		ErrorMarker: config.DefaultErrorMarker,
	})
}

// Classify returns ClassFatal when line contains a fatal pattern. A benign pattern wins over
// the generic error marker, so known noise is never reported as a warning.
func (c *Classifier) Classify(line string) Class {
	if containsAny(line, c.fatal) {
		return ClassFatal
	}
	if containsAny(line, c.benign) {
		return ClassNormal
	}
	if strings.Contains(line, c.errorMarker) {
		return ClassWarning
	}
	return ClassNormal
}

// ErrorMarker returns the generic error substring.
func (c *Classifier) ErrorMarker() string { return c.errorMarker }

func containsAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(line, p) {
			return true
		}
	}
	return false
}
