package export

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"
)

// BundleWriter assembles a zip archive in memory.
type BundleWriter struct {
	buf      bytes.Buffer
	zw       *zip.Writer
	modified time.Time
	entries  int
}

// NewBundleWriter starts an empty archive whose entries carry modified as
// their timestamp.
func NewBundleWriter(modified time.Time) *BundleWriter {
	b := &BundleWriter{modified: modified.UTC()}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

// Add writes one entry. Already compressed media is stored, everything else
// deflated.
func (b *BundleWriter) Add(name string, r io.Reader, store bool) (int64, error) {
	method := zip.Deflate
	if store {
		method = zip.Store
	}
	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: name, Method: method, Modified: b.modified})
	if err != nil {
		return 0, fmt.Errorf("create bundle entry %s: %w", name, err)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("write bundle entry %s: %w", name, err)
	}
	b.entries++
	return n, nil
}

// AddBytes writes an in-memory entry.
func (b *BundleWriter) AddBytes(name string, data []byte) error {
	_, err := b.Add(name, bytes.NewReader(data), false)
	return err
}

// AddYAML marshals v as YAML into an entry.
func (b *BundleWriter) AddYAML(name string, v interface{}) error {
	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return b.AddBytes(name, out.Bytes())
}

// Entries reports how many entries were written.
func (b *BundleWriter) Entries() int {
	return b.entries
}

// Close finalizes the archive and returns its bytes.
func (b *BundleWriter) Close() ([]byte, error) {
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle: %w", err)
	}
	return b.buf.Bytes(), nil
}

// ParseRecipients validates age X25519 public keys.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// Encrypt seals plaintext for the recipients in binary age format.
func Encrypt(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipients...)
	if err != nil {
		return nil, fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Decrypt opens an age-encrypted payload with any matching identity.
func Decrypt(ciphertext []byte, identities ...age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt bundle: %w", err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read decrypted bundle: %w", err)
	}
	return out.Bytes(), nil
}
