// Package ident handles scheme-qualified content identifiers of the form
// hash://<algorithm>/<hex digest>.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/roach88/hashrepo/internal/apperr"
)

// Scheme is the URI scheme for content identifiers.
const Scheme = "hash"

// AlgorithmSHA256 is the only digest algorithm the repository produces.
const AlgorithmSHA256 = "sha256"

// digestLengths maps supported algorithms to their hex digest length.
var digestLengths = map[string]int{
	AlgorithmSHA256: sha256.Size * 2,
}

// aliases maps accepted spellings to canonical algorithm names.
var aliases = map[string]string{
	"sha-256": AlgorithmSHA256,
}

// URI identifies content by hash algorithm and digest.
type URI struct {
	Algorithm string
	Digest    string
}

// String renders the canonical form.
func (u URI) String() string {
	return Scheme + "://" + u.Algorithm + "/" + u.Digest
}

// IsZero reports whether u is the zero value.
func (u URI) IsZero() bool {
	return u.Algorithm == "" && u.Digest == ""
}

// Sum computes the SHA-256 identifier of data.
func Sum(data []byte) URI {
	h := sha256.Sum256(data)
	return URI{Algorithm: AlgorithmSHA256, Digest: hex.EncodeToString(h[:])}
}

// Parse parses and canonicalizes an identifier. Surrounding whitespace and
// letter case are ignored; known algorithm aliases are accepted.
func Parse(s string) (URI, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	rest, ok := strings.CutPrefix(raw, Scheme+"://")
	if !ok {
		return URI{}, apperr.Newf(apperr.CodeValidation, "identifier %q: expected %s:// scheme", s, Scheme)
	}

	algorithm, digest, ok := strings.Cut(rest, "/")
	if !ok || algorithm == "" || digest == "" {
		return URI{}, apperr.Newf(apperr.CodeValidation, "identifier %q: expected <algorithm>/<digest>", s)
	}
	return FromParts(algorithm, digest)
}

// FromParts builds a canonical URI from an algorithm and digest pair, as
// found in route parameters or storage rows.
func FromParts(algorithm, digest string) (URI, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	digest = strings.ToLower(strings.TrimSpace(digest))
	if canonical, ok := aliases[algorithm]; ok {
		algorithm = canonical
	}

	want, ok := digestLengths[algorithm]
	if !ok {
		return URI{}, apperr.Newf(apperr.CodeValidation, "unsupported hash algorithm %q", algorithm)
	}
	if len(digest) != want {
		return URI{}, apperr.Newf(apperr.CodeValidation, "%s digest must be %d hex characters, got %d", algorithm, want, len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return URI{}, apperr.Wrap(apperr.CodeValidation, "digest is not hex", err)
	}
	return URI{Algorithm: algorithm, Digest: digest}, nil
}

// Canonicalize returns the canonical string form of s.
func Canonicalize(s string) (string, error) {
	u, err := Parse(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
