// evidence-verify checks files and generated package bundles against their
// recorded digests without talking to the API.
//
// Single file mode hashes a file and compares it with --expect values:
//
//	evidence-verify --expect SHA-256=9f86d0... photo.jpg
//
// Bundle mode reads manifest.yaml from a package bundle and re-hashes every
// evidence entry. Encrypted bundles need an age identity file:
//
//	evidence-verify --bundle package.zip.age --identity key.txt
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/pkg/export"
	"github.com/noah-isme/msa-evidence-api/pkg/hashing"
)

// errMismatch marks a completed run that found at least one bad digest.
var errMismatch = errors.New("integrity check failed")

type manifest struct {
	PackageID string          `yaml:"packageId"`
	Items     []manifestEntry `yaml:"items"`
}

type manifestEntry struct {
	EvidenceID string         `yaml:"evidenceId"`
	Path       string         `yaml:"path"`
	SizeBytes  int64          `yaml:"sizeBytes"`
	Hashes     models.HashSet `yaml:"hashes"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errMismatch) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		algorithms []string
		expect     []string
		bundlePath string
		identity   string
	)
	flagSet := pflag.NewFlagSet("evidence-verify", pflag.ContinueOnError)
	flagSet.StringSliceVar(&algorithms, "algorithms", []string{models.HashSHA256}, "digest algorithms to compute")
	flagSet.StringArrayVar(&expect, "expect", nil, "expected digest as ALGORITHM=HEX (repeatable)")
	flagSet.StringVar(&bundlePath, "bundle", "", "package bundle (.zip or .zip.age) to verify")
	flagSet.StringVar(&identity, "identity", "", "age identity file for encrypted bundles")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if bundlePath != "" {
		return verifyBundle(bundlePath, identity, out)
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("expected exactly one file argument")
	}
	return verifyFile(flagSet.Arg(0), algorithms, expect, out)
}

func verifyFile(path string, algorithms, expect []string, out io.Writer) error {
	expected, err := parseExpectations(expect)
	if err != nil {
		return err
	}
	engine, err := hashing.NewEngine(algorithms)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	if len(expected) == 0 {
		hashes, size, err := engine.Compute(f, "evidence-verify")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%d bytes)\n", path, size)
		for _, h := range hashes {
			fmt.Fprintf(out, "  %-12s %s\n", h.Algorithm, h.Value)
		}
		return nil
	}

	if err := engine.Verify(f, expected); err != nil {
		return report(out, path, err)
	}
	fmt.Fprintf(out, "OK   %s\n", path)
	return nil
}

func verifyBundle(path, identityPath string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".age") {
		if identityPath == "" {
			return fmt.Errorf("bundle is encrypted; --identity is required")
		}
		keys, err := os.ReadFile(identityPath)
		if err != nil {
			return err
		}
		identities, err := age.ParseIdentities(bytes.NewReader(keys))
		if err != nil {
			return fmt.Errorf("parse identity file: %w", err)
		}
		if raw, err = export.Decrypt(raw, identities...); err != nil {
			return err
		}
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	mf, ok := files["manifest.yaml"]
	if !ok {
		return fmt.Errorf("bundle has no manifest.yaml")
	}
	var m manifest
	if err := decodeYAML(mf, &m); err != nil {
		return err
	}
	sort.SliceStable(m.Items, func(i, j int) bool { return m.Items[i].Path < m.Items[j].Path })

	failed := false
	for _, entry := range m.Items {
		if err := verifyEntry(files[entry.Path], entry); err != nil {
			failed = true
			_ = report(out, entry.Path, err)
			continue
		}
		fmt.Fprintf(out, "OK   %s\n", entry.Path)
	}
	fmt.Fprintf(out, "%d entries checked for package %s\n", len(m.Items), m.PackageID)
	if failed {
		return errMismatch
	}
	return nil
}

func verifyEntry(f *zip.File, entry manifestEntry) error {
	if f == nil {
		return fmt.Errorf("entry missing from bundle")
	}
	if entry.SizeBytes > 0 && int64(f.UncompressedSize64) != entry.SizeBytes {
		return fmt.Errorf("size mismatch: expected %d, got %d", entry.SizeBytes, f.UncompressedSize64)
	}
	algorithms := make([]string, 0, len(entry.Hashes))
	for _, h := range entry.Hashes {
		algorithms = append(algorithms, h.Algorithm)
	}
	engine, err := hashing.NewEngine(algorithms)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck
	return engine.Verify(rc, entry.Hashes)
}

func decodeYAML(f *zip.File, dst interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck
	if err := yaml.NewDecoder(rc).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", f.Name, err)
	}
	return nil
}

func parseExpectations(values []string) (models.HashSet, error) {
	set := make(models.HashSet, 0, len(values))
	for _, value := range values {
		algorithm, digest, ok := strings.Cut(value, "=")
		if !ok || strings.TrimSpace(digest) == "" {
			return nil, fmt.Errorf("invalid --expect %q, want ALGORITHM=HEX", value)
		}
		set = append(set, models.EvidenceHash{
			Algorithm: strings.ToUpper(strings.TrimSpace(algorithm)),
			Value:     strings.ToLower(strings.TrimSpace(digest)),
		})
	}
	return set, nil
}

func report(out io.Writer, name string, err error) error {
	var mismatch *hashing.MismatchError
	if errors.As(err, &mismatch) {
		fmt.Fprintf(out, "FAIL %s: %s expected %s got %s\n", name, mismatch.Algorithm, mismatch.Expected, mismatch.Actual)
		return errMismatch
	}
	fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
	return errMismatch
}
