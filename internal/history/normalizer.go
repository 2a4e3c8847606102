package history

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxValueLength is the longest stored value text, in runes, postfix included.
	MaxValueLength = 128
	// TruncatePostfix replaces the removed tail of an oversized value.
	TruncatePostfix = "..."
)

// NormalizedValue is the storable form of a property value. Both fields are
// nil for a nil input.
type NormalizedValue struct {
	Text *string
	Hash *string
}

// Differs reports whether two normalized values must be recorded as a change.
// Values whose truncated texts collide still differ when their hashes do.
func (v NormalizedValue) Differs(other NormalizedValue) bool {
	return !equalPtr(v.Text, other.Text) || !equalPtr(v.Hash, other.Hash)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Normalizer serializes values to canonical JSON text, truncates and hashes them.
type Normalizer struct {
	maxLength int
	postfix   string
}

// NewNormalizer returns a normalizer using MaxValueLength and TruncatePostfix.
func NewNormalizer() *Normalizer {
	return &Normalizer{maxLength: MaxValueLength, postfix: TruncatePostfix}
}

// Normalize converts raw into its stored form. Equal inputs always produce
// equal output; the hash covers the full untruncated text. Byte slices are
// treated as text, the way drivers return numeric and textual columns.
func (n *Normalizer) Normalize(raw any) (NormalizedValue, error) {
	if isNil(raw) {
		return NormalizedValue{}, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}

	text, err := canonicalJSON(raw)
	if err != nil {
		return NormalizedValue{}, err
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	stored := n.truncate(text)
	return NormalizedValue{Text: &stored, Hash: &hash}, nil
}

func (n *Normalizer) truncate(text string) string {
	if utf8.RuneCountInString(text) <= n.maxLength {
		return text
	}
	keep := n.maxLength - utf8.RuneCountInString(n.postfix)
	if keep < 0 {
		keep = 0
	}
	return string([]rune(text)[:keep]) + n.postfix
}

func canonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("serialize %T: %w", v, err)
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return string(norm.NFC.Bytes(out)), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// isDefault reports whether v is nil or the zero value of its type.
func isDefault(v any) bool {
	if isNil(v) {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
