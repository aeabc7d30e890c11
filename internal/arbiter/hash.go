package arbiter

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// Digests are the content hashes recorded for an executable
type Digests struct {
	MD5    []byte
	SHA1   []byte
	SHA256 []byte
	Size   int64
}

// HashFile computes MD5, SHA1 and SHA256 of the file in a single read pass
func HashFile(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader computes the digests of everything read from r
func HashReader(r io.Reader) (Digests, error) {
	md5h := md5.New()
	sha1h := sha1.New()
	sha256h := sha256.New()

	n, err := io.Copy(io.MultiWriter(md5h, sha1h, sha256h), r)
	if err != nil {
		return Digests{}, fmt.Errorf("failed to hash: %w", err)
	}

	return Digests{
		MD5:    md5h.Sum(nil),
		SHA1:   sha1h.Sum(nil),
		SHA256: sha256h.Sum(nil),
		Size:   n,
	}, nil
}
