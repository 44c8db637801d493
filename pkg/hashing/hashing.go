// Package hashing computes the integrity digests recorded on evidence items.
//
// All configured algorithms are fed from a single pass over the content
// through io.MultiWriter. SHA-256 is the primary digest and is always
// computed; MD5 and SHA-1 are kept for compatibility with forensic tooling
// that still indexes by them.
package hashing

import (
	"crypto/md5"  //nolint:gosec // MD5 used for forensic cross-referencing, not security
	"crypto/sha1" //nolint:gosec // SHA1 used for forensic cross-referencing, not security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

// MismatchError reports digests that no longer match their recorded value.
type MismatchError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

var constructors = map[string]func() hash.Hash{
	models.HashSHA256: sha256.New,
	models.HashSHA1:   sha1.New, //nolint:gosec
	models.HashMD5:    md5.New,  //nolint:gosec
	models.HashBLAKE3: func() hash.Hash { return blake3.New() },
	models.HashBLAKE2b256: func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
}

// Supported returns the canonical algorithm names the engine understands.
func Supported() []string {
	return []string{models.HashSHA256, models.HashSHA1, models.HashMD5, models.HashBLAKE3, models.HashBLAKE2b256}
}

// Engine computes a fixed, ordered list of digests.
type Engine struct {
	algorithms []string
	now        func() time.Time
}

// NewEngine validates the algorithm names and returns an engine. SHA-256 is
// prepended when absent; duplicates are dropped.
func NewEngine(algorithms []string) (*Engine, error) {
	ordered := []string{models.HashSHA256}
	seen := map[string]struct{}{models.HashSHA256: {}}
	for _, raw := range algorithms {
		name, ok := canonical(raw)
		if !ok {
			return nil, fmt.Errorf("unsupported hash algorithm %q", raw)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		ordered = append(ordered, name)
	}
	return &Engine{algorithms: ordered, now: time.Now}, nil
}

// Algorithms returns the configured algorithms in output order.
func (e *Engine) Algorithms() []string {
	return append([]string(nil), e.algorithms...)
}

// Compute reads r to EOF and returns one hash per configured algorithm along
// with the number of bytes read. Any read error aborts the computation.
func (e *Engine) Compute(r io.Reader, computedBy string) (models.HashSet, int64, error) {
	return computeWith(e.algorithms, r, computedBy, e.now().UTC())
}

// Verify recomputes the digests listed in expected and returns a
// *MismatchError for the first one that differs. Algorithms the engine does
// not know are reported as errors rather than skipped.
func (e *Engine) Verify(r io.Reader, expected models.HashSet) error {
	if len(expected) == 0 {
		return fmt.Errorf("no recorded hashes to verify against")
	}
	names := make([]string, 0, len(expected))
	for _, h := range expected {
		name, ok := canonical(h.Algorithm)
		if !ok {
			return fmt.Errorf("unsupported hash algorithm %q", h.Algorithm)
		}
		names = append(names, name)
	}
	actual, _, err := computeWith(names, r, "", time.Time{})
	if err != nil {
		return err
	}
	for i, want := range expected {
		if !strings.EqualFold(want.Value, actual[i].Value) {
			return &MismatchError{Algorithm: names[i], Expected: want.Value, Actual: actual[i].Value}
		}
	}
	return nil
}

func computeWith(algorithms []string, r io.Reader, computedBy string, at time.Time) (models.HashSet, int64, error) {
	hashers := make([]hash.Hash, len(algorithms))
	writers := make([]io.Writer, len(algorithms))
	for i, name := range algorithms {
		hashers[i] = constructors[name]()
		writers[i] = hashers[i]
	}

	size, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return nil, 0, fmt.Errorf("read and hash content: %w", err)
	}

	out := make(models.HashSet, len(algorithms))
	for i, name := range algorithms {
		out[i] = models.EvidenceHash{
			Algorithm:  name,
			Value:      hex.EncodeToString(hashers[i].Sum(nil)),
			ComputedAt: at,
			ComputedBy: computedBy,
		}
	}
	return out, size, nil
}

func canonical(raw string) (string, bool) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-"))
	switch normalized {
	case "SHA-256", "SHA256":
		return models.HashSHA256, true
	case "SHA-1", "SHA1":
		return models.HashSHA1, true
	case "MD5":
		return models.HashMD5, true
	case "BLAKE3":
		return models.HashBLAKE3, true
	case "BLAKE2B-256", "BLAKE2B256", "BLAKE2B":
		return models.HashBLAKE2b256, true
	}
	return "", false
}
