package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinZipAESEncryptDecryptRoundTrip(t *testing.T) {
	plain := []byte("a reasonably long plaintext payload to exercise the CTR keystream wraparound logic a bit")

	lower := newMemSource(plain, Stat{})
	enc := NewWinZipAESEncryptSource(lower, "correct horse battery staple", EncryptionAES256)
	require.NoError(t, enc.Open())
	envelope, err := readAllSource(t, enc)
	require.NoError(t, err)

	lower2 := newMemSource(envelope, Stat{Size: uint64(len(envelope)), SizeValid: true})
	dec := NewWinZipAESDecryptSource(lower2, "correct horse battery staple", EncryptionAES256)
	require.NoError(t, dec.Open())
	out, err := readAllSource(t, dec)
	require.NoError(t, err)

	assert.Equal(t, plain, out)
}

func TestWinZipAESDecryptRejectsWrongPassword(t *testing.T) {
	plain := []byte("top secret")

	lower := newMemSource(plain, Stat{})
	enc := NewWinZipAESEncryptSource(lower, "right-password", EncryptionAES128)
	require.NoError(t, enc.Open())
	envelope, err := readAllSource(t, enc)
	require.NoError(t, err)

	lower2 := newMemSource(envelope, Stat{Size: uint64(len(envelope)), SizeValid: true})
	dec := NewWinZipAESDecryptSource(lower2, "wrong-password", EncryptionAES128)
	require.NoError(t, dec.Open())
	_, err = readAllSource(t, dec)
	require.Error(t, err)
	assert.ErrorIs(t, err, newErr(ErrWrongPasswd))
}

func TestWinZipAESEncryptSourceStatAddsOverhead(t *testing.T) {
	lower := newMemSource([]byte("abc"), Stat{Size: 3, SizeValid: true})
	enc := NewWinZipAESEncryptSource(lower, "pw", EncryptionAES192)
	require.NoError(t, enc.Open())

	st, err := enc.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(3+12+verifyLen+authTagLen), st.Size)
	assert.Equal(t, EncryptionAES192, st.EncryptionMethod)
}
