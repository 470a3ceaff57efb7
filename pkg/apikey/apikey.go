// Package apikey implements the long-lived, localhost-only credential
// path: a fixed "nxk_" prefix plus 40 base62 random characters,
// stored as a SHA-256 digest, validated in constant time.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-hub/nexus-core/pkg/jsonstore"
)

const (
	// Prefix is the fixed 4-byte ASCII marker on every raw key.
	Prefix = "nxk_"
	// randomCharCount is the number of base62 characters following Prefix.
	randomCharCount = 40
	// RawLength is the total length of a raw key: len(Prefix) + randomCharCount.
	RawLength = len(Prefix) + randomCharCount

	base62Charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Key is the persisted key record. Raw key material is never
// stored here.
type Key struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	DigestHex  string     `json:"digest_hex"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Document is the on-disk shape of mcp_api_keys.json.
type Document struct {
	Keys map[string]Key `json:"keys"`
}

// Store holds the key records behind mcp_api_keys.json.
type Store struct {
	store *jsonstore.Store[Document]
}

// Open loads (or creates) the API key store at path.
func Open(path string) (*Store, error) {
	s, err := jsonstore.Open(path, Document{Keys: map[string]Key{}})
	if err != nil {
		return nil, err
	}
	return &Store{store: s}, nil
}

// generateRaw builds a fresh raw key: Prefix + randomCharCount base62 chars.
func generateRaw() (string, error) {
	buf := make([]byte, randomCharCount)
	charsetLen := big.NewInt(int64(len(base62Charset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("generating API key: %w", err)
		}
		buf[i] = base62Charset[n.Int64()]
	}
	return Prefix + string(buf), nil
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create mints a new key with the given label, persists its record,
// and returns the record plus the raw value (shown to the caller
// exactly once — it is never retrievable again).
func (s *Store) Create(label string) (Key, string, error) {
	raw, err := generateRaw()
	if err != nil {
		return Key{}, "", err
	}

	rec := Key{
		ID:        uuid.NewString(),
		Label:     label,
		DigestHex: digest(raw),
		Prefix:    raw[:8],
		CreatedAt: time.Now(),
	}

	err = s.store.Update(func(doc *Document) error {
		if doc.Keys == nil {
			doc.Keys = map[string]Key{}
		}
		doc.Keys[rec.ID] = rec
		return nil
	})
	if err != nil {
		return Key{}, "", err
	}
	return rec, raw, nil
}

// Validate reports whether raw matches a stored key, in time
// independent of the position of the first differing byte: every
// stored digest is compared with crypto/subtle.ConstantTimeCompare
// regardless of earlier matches.
func (s *Store) Validate(raw string) (Key, bool) {
	if len(raw) != RawLength {
		return Key{}, false
	}

	want := []byte(digest(raw))
	var matched Key
	found := false

	s.store.View(func(doc Document) {
		for _, rec := range doc.Keys {
			if subtle.ConstantTimeCompare(want, []byte(rec.DigestHex)) == 1 {
				matched, found = rec, true
			}
		}
	})

	if found {
		_ = s.touch(matched.ID)
		s.store.View(func(doc Document) {
			if rec, ok := doc.Keys[matched.ID]; ok {
				matched = rec
			}
		})
	}
	return matched, found
}

func (s *Store) touch(id string) error {
	return s.store.Update(func(doc *Document) error {
		rec, ok := doc.Keys[id]
		if !ok {
			return nil
		}
		now := time.Now()
		rec.LastUsedAt = &now
		doc.Keys[id] = rec
		return nil
	})
}

// List returns every stored key record.
func (s *Store) List() []Key {
	var out []Key
	s.store.View(func(doc Document) {
		for _, rec := range doc.Keys {
			out = append(out, rec)
		}
	})
	return out
}

// Remove deletes a key by id.
func (s *Store) Remove(id string) error {
	return s.store.Update(func(doc *Document) error {
		delete(doc.Keys, id)
		return nil
	})
}
