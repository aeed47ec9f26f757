// Package identity derives the stable (spec_slug, spec_hash) pair that
// names a run, per spec.md Component Design 4.1.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antigravity-dev/coding-harness/internal/harnesserr"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var nonSlugRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slug strips directories and extension from filename, lowercases it, and
// collapses any run of characters outside [a-z0-9] to a single hyphen,
// trimming leading/trailing hyphens. An empty result becomes "default".
func Slug(filename string) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	slug := strings.ToLower(name)
	slug = nonSlugRun.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if slug == "" {
		return "default"
	}
	return slug
}

// Hash reads specPath as UTF-8, digests it with SHA-256, takes the first 4
// bytes, concatenates 4 fresh cryptographically random bytes, interprets
// the 8 bytes as a big-endian unsigned integer, and renders it as an
// 8-character base62 string zero-padded on the left.
func Hash(specPath string) (string, error) {
	content, err := os.ReadFile(specPath)
	if err != nil {
		return "", harnesserr.State(fmt.Sprintf("read spec file %s", specPath), err)
	}

	sum := sha256.Sum256(content)
	var combined [8]byte
	copy(combined[:4], sum[:4])
	if _, err := rand.Read(combined[4:]); err != nil {
		return "", harnesserr.State("generate random hash bytes", err)
	}

	var n uint64
	for _, b := range combined {
		n = n<<8 | uint64(b)
	}

	return toBase62(n, 8), nil
}

func toBase62(n uint64, length int) string {
	if n == 0 {
		return strings.Repeat(string(base62Alphabet[0]), length)
	}

	buf := make([]byte, 0, length)
	for n > 0 {
		buf = append(buf, base62Alphabet[n%62])
		n /= 62
	}
	for len(buf) < length {
		buf = append(buf, base62Alphabet[0])
	}
	// buf is least-significant-digit first. When the value needs more than
	// `length` base62 digits, keep the most-significant `length` of them —
	// i.e. the tail of this LSB-first slice — matching the reference
	// implementation's result[-length:] on its own LSB-first digit list.
	if len(buf) > length {
		buf = buf[len(buf)-length:]
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
