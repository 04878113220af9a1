package filter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bamsammich/treedup/internal/transport"
)

// maxExcludeFile caps the size of an exclusion file.
const maxExcludeFile = 1 << 20

// Load reads the exclusion file at path on host into a new list. Each line
// names one directory entry to skip; names with '*', '?' or '[' are shell
// wildcards. Blank lines and lines starting with '#' are ignored. A missing
// file yields an empty list.
func Load(host transport.Host, path string) (*List, error) {
	l := NewList()
	data, err := readAll(host, path)
	if err != nil {
		if transport.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read exclusion file: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := l.AddExclusion(line); err != nil {
			return nil, fmt.Errorf("exclusion file %s line %d: %w", path, lineNum, err)
		}
	}
	return l, scanner.Err()
}

func readAll(host transport.Host, path string) ([]byte, error) {
	fd, err := host.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer host.CloseFile(fd) //nolint:errcheck // read-only descriptor

	var buf bytes.Buffer
	chunk := make([]byte, 32<<10)
	for {
		n, err := host.Read(fd, chunk)
		buf.Write(chunk[:n])
		if buf.Len() > maxExcludeFile {
			return nil, &os.PathError{Op: "read", Path: path, Err: errors.New("exclusion file too large")}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return buf.Bytes(), nil
		}
	}
}
