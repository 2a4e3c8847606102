package history

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNil(t *testing.T) {
	n := NewNormalizer()
	var ptr *string

	for _, raw := range []any{nil, ptr} {
		v, err := n.Normalize(raw)
		require.NoError(t, err)
		assert.Nil(t, v.Text)
		assert.Nil(t, v.Hash)
	}
}

func TestNormalizeProducesJSONText(t *testing.T) {
	n := NewNormalizer()

	v, err := n.Normalize("123qwe")
	require.NoError(t, err)
	assert.Equal(t, `"123qwe"`, *v.Text)

	v, err = n.Normalize(2)
	require.NoError(t, err)
	assert.Equal(t, "2", *v.Text)

	v, err = n.Normalize(map[string]any{"b": 1, "a": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1}`, *v.Text)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := NewNormalizer()
	raw := struct {
		Name string
		Tags []string
	}{Name: "blog", Tags: []string{"a", "b"}}

	first, err := n.Normalize(raw)
	require.NoError(t, err)
	second, err := n.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, *first.Text, *second.Text)
	assert.Equal(t, *first.Hash, *second.Hash)
	assert.False(t, first.Differs(second))
}

func TestNormalizeAppliesNFC(t *testing.T) {
	n := NewNormalizer()
	composed, err := n.Normalize("caf\u00e9")
	require.NoError(t, err)
	decomposed, err := n.Normalize("cafe\u0301")
	require.NoError(t, err)

	assert.False(t, composed.Differs(decomposed))
}

func TestNormalizeTruncationLaw(t *testing.T) {
	n := NewNormalizer()
	raw := strings.Repeat("x", 300)
	full := `"` + raw + `"`

	v, err := n.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, MaxValueLength, utf8.RuneCountInString(*v.Text))
	assert.True(t, strings.HasSuffix(*v.Text, TruncatePostfix))

	sum := sha256.Sum256([]byte(full))
	assert.Equal(t, hex.EncodeToString(sum[:]), *v.Hash)

	truncatedSum := sha256.Sum256([]byte(*v.Text))
	assert.NotEqual(t, hex.EncodeToString(truncatedSum[:]), *v.Hash)
}

func TestNormalizeShortValueHashesStoredText(t *testing.T) {
	n := NewNormalizer()
	v, err := n.Normalize("short")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(*v.Text))
	assert.Equal(t, hex.EncodeToString(sum[:]), *v.Hash)
}

func TestNormalizeTruncatesMultibyteByRunes(t *testing.T) {
	n := NewNormalizer()
	v, err := n.Normalize(strings.Repeat("é", 200))
	require.NoError(t, err)
	assert.Equal(t, MaxValueLength, utf8.RuneCountInString(*v.Text))
	assert.True(t, utf8.ValidString(*v.Text))
}

func TestNormalizeTruncatedCollisionStillDiffers(t *testing.T) {
	n := NewNormalizer()
	prefix := strings.Repeat("a", 200)

	a, err := n.Normalize(prefix + "1")
	require.NoError(t, err)
	b, err := n.Normalize(prefix + "2")
	require.NoError(t, err)

	assert.Equal(t, *a.Text, *b.Text)
	assert.NotEqual(t, *a.Hash, *b.Hash)
	assert.True(t, a.Differs(b))
}

func TestNormalizeUnsupportedValue(t *testing.T) {
	_, err := NewNormalizer().Normalize(make(chan int))
	require.Error(t, err)
}

func TestNormalizeByteSliceAsText(t *testing.T) {
	n := NewNormalizer()
	v, err := n.Normalize([]byte("12.50"))
	require.NoError(t, err)
	assert.Equal(t, `"12.50"`, *v.Text)

	same, err := n.Normalize("12.50")
	require.NoError(t, err)
	assert.False(t, v.Differs(same))
}
