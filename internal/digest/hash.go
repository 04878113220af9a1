package digest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/treedup/internal/transport"
)

// chunkSize is the read size used while hashing.
const chunkSize = 32 << 10

// HashFile computes the BLAKE3 digest of the file at path on host and
// returns it hex encoded.
func HashFile(ctx context.Context, host transport.Host, path string) (string, error) {
	fd, err := host.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer host.CloseFile(fd) //nolint:errcheck // read-only descriptor

	h := blake3.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := host.Read(fd, buf)
		h.Write(buf[:n]) //nolint:errcheck // hash writes never fail
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
