package hashing

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

func TestNewEngineAlwaysIncludesSHA256(t *testing.T) {
	engine, err := NewEngine([]string{"md5", "sha1", "MD5"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.HashSHA256, models.HashMD5, models.HashSHA1}, engine.Algorithms())
}

func TestNewEngineRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewEngine([]string{"CRC32"})
	require.Error(t, err)
}

func TestComputeKnownVectors(t *testing.T) {
	engine, err := NewEngine(Supported())
	require.NoError(t, err)

	hashes, size, err := engine.Compute(strings.NewReader("abc"), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	require.Len(t, hashes, 5)

	sha256, _ := hashes.Get(models.HashSHA256)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sha256.Value)
	assert.Equal(t, "user-1", sha256.ComputedBy)
	assert.False(t, sha256.ComputedAt.IsZero())

	md5, _ := hashes.Get(models.HashMD5)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", md5.Value)
	sha1, _ := hashes.Get(models.HashSHA1)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", sha1.Value)
	blake3, _ := hashes.Get(models.HashBLAKE3)
	assert.Equal(t, "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85", blake3.Value)
	blake2b, _ := hashes.Get(models.HashBLAKE2b256)
	assert.Len(t, blake2b.Value, 64)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestComputeAbortsOnReadError(t *testing.T) {
	engine, err := NewEngine(nil)
	require.NoError(t, err)

	hashes, _, err := engine.Compute(io.MultiReader(strings.NewReader("partial"), failingReader{}), "system")
	require.Error(t, err)
	assert.Nil(t, hashes)
}

func TestVerify(t *testing.T) {
	engine, err := NewEngine([]string{"SHA-1"})
	require.NoError(t, err)
	content := []byte("evidence-bytes")

	hashes, _, err := engine.Compute(bytes.NewReader(content), "system")
	require.NoError(t, err)
	require.NoError(t, engine.Verify(bytes.NewReader(content), hashes))

	err = engine.Verify(bytes.NewReader([]byte("tampered")), hashes)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, models.HashSHA256, mismatch.Algorithm)
}
