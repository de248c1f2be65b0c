// Package checksum computes content digests over local files and compares them
// with expected values.
package checksum

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
)

// DefaultAlgorithm is used when a task carries a checksum but no algorithm.
const DefaultAlgorithm = "sha256"

const blockSize = 64 * 1024

// Algorithm resolves a case-insensitive algorithm name.
func Algorithm(name string) (digest.Algorithm, error) {
	if name == "" {
		name = DefaultAlgorithm
	}
	alg := digest.Algorithm(strings.ToLower(name))
	if !alg.Available() {
		return "", fmt.Errorf("%w: %s", errpkg.ErrUnsupportedDigest, name)
	}
	return alg, nil
}

// Compute streams path through the algorithm in bounded blocks.
func Compute(path, algorithm string) (digest.Digest, error) {
	alg, err := Algorithm(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	digester := alg.Digester()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(digester.Hash(), f, buf); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return digester.Digest(), nil
}

// Verify reports whether the digest of path matches expected. Expected may be
// bare hex or prefixed with the algorithm ("sha256:ab12..."); comparison is
// case-insensitive.
func Verify(path, algorithm, expected string) (bool, error) {
	want := strings.ToLower(strings.TrimSpace(expected))
	if prefix, encoded, ok := strings.Cut(want, ":"); ok {
		if algorithm != "" && !strings.EqualFold(algorithm, prefix) {
			return false, fmt.Errorf("%w: expected %s digest, task declares %s", errpkg.ErrUnsupportedDigest, prefix, algorithm)
		}
		algorithm = prefix
		want = encoded
	}

	got, err := Compute(path, algorithm)
	if err != nil {
		return false, err
	}
	return got.Encoded() == want, nil
}
