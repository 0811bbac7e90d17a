package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsGeneratedOnce(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)

	first, err := Key(ring)
	require.NoError(t, err)
	assert.Len(t, first, keySize)

	second, err := Key(ring)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyRejectsWrongSize(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: keyItem, Data: []byte("short")}})
	_, err := Key(ring)
	assert.Error(t, err)
}

func TestAESCodecRoundTrip(t *testing.T) {
	key, err := Key(keyring.NewArrayKeyring(nil))
	require.NoError(t, err)
	codec, err := NewAESCodec(key)
	require.NoError(t, err)

	sealed, err := codec.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", sealed)

	again, err := codec.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	plain, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)

	empty, err := codec.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = codec.Decrypt("not base64!")
	assert.Error(t, err)
	_, err = codec.Decrypt("YWJj")
	assert.Error(t, err)
}

func TestAESCodecRejectsOtherKey(t *testing.T) {
	a, err := NewAESCodec(make([]byte, keySize))
	require.NoError(t, err)
	otherKey := make([]byte, keySize)
	otherKey[0] = 1
	b, err := NewAESCodec(otherKey)
	require.NoError(t, err)

	sealed, err := a.Encrypt("pw")
	require.NoError(t, err)
	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}
