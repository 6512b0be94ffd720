package contextcache

import (
	"strings"
	"sync"

	"github.com/weaviate/tiktoken-go"
)

// CompressHistory bounds a history block by line count. Histories longer
// than threshold lines keep only their last maxLines lines; shorter ones
// are returned unchanged. It returns the result and the line counts
// before and after.
func CompressHistory(history string, threshold, maxLines int) (string, int, int) {
	if history == "" {
		return "", 0, 0
	}
	lines := strings.Split(history, "\n")
	before := len(lines)
	if before <= threshold || maxLines <= 0 || before <= maxLines {
		return history, before, before
	}
	kept := lines[before-maxLines:]
	return strings.Join(kept, "\n"), before, len(kept)
}

// TokenEstimator estimates token usage of injected text. Estimates are
// for logs and metrics only.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator estimates one token per four characters, rounded up.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenEstimator counts tokens with a tiktoken encoding, falling back
// to CharEstimator when the encoding cannot be loaded.
type TiktokenEstimator struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenEstimator returns an estimator for the named encoding
// (e.g. "cl100k_base"). The encoding is loaded lazily on first use.
func NewTiktokenEstimator(encoding string) *TiktokenEstimator {
	return &TiktokenEstimator{encoding: encoding}
}

func (e *TiktokenEstimator) Estimate(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc == nil {
		return CharEstimator{}.Estimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}
