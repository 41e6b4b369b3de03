// Package usage tracks per-model request and token counters. Token counts
// are heuristic (the provider UI exposes no exact counts); the counters are
// persisted in a bbolt database so totals survive restarts. Recording is
// best-effort and never fails a request.
package usage

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var bucketUsage = []byte("usage")

// EstimateTokens returns a heuristic token count for text: roughly one token
// per four characters, never less than one for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	tokens := (n + 3) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// ModelUsage is the persisted counter set of one model.
type ModelUsage struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Store persists usage counters in a bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the usage database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(bucketUsage)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize usage database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record adds one request's counters to the model's totals.
func (s *Store) Record(model string, promptTokens, completionTokens int) {
	if s == nil || s.db == nil {
		return
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUsage)
		var entry ModelUsage
		if raw := bucket.Get([]byte(model)); raw != nil {
			if errUnmarshal := json.Unmarshal(raw, &entry); errUnmarshal != nil {
				entry = ModelUsage{}
			}
		}
		entry.Requests++
		entry.PromptTokens += int64(promptTokens)
		entry.CompletionTokens += int64(completionTokens)
		raw, errMarshal := json.Marshal(entry)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put([]byte(model), raw)
	})
	if err != nil {
		log.Warnf("failed to record usage for %s: %v", model, err)
	}
}

// Totals returns the counters of every model seen so far.
func (s *Store) Totals() map[string]ModelUsage {
	out := make(map[string]ModelUsage)
	if s == nil || s.db == nil {
		return out
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsage).ForEach(func(k, v []byte) error {
			var entry ModelUsage
			if errUnmarshal := json.Unmarshal(v, &entry); errUnmarshal != nil {
				return nil
			}
			out[string(k)] = entry
			return nil
		})
	})
	if err != nil {
		log.Warnf("failed to read usage totals: %v", err)
	}
	return out
}

// Close closes the underlying database.
func (s *Store) Close() {
	if s != nil && s.db != nil {
		_ = s.db.Close()
	}
}
