// Package archive bundles rendered outputs into a single zip download.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

var ErrEmptyArchive = errors.New("archive has no entries")

type Entry struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// Bundle writes entries in order. Encoded images are already compressed, so
// entries are stored rather than deflated.
func Bundle(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyArchive
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, errors.New("archive entry name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate archive entry %q", name)
		}
		seen[name] = struct{}{}

		modified := entry.Modified
		if modified.IsZero() {
			modified = time.Now().UTC()
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("create archive entry %s: %w", name, err)
		}
		if _, err := w.Write(entry.Data); err != nil {
			return nil, fmt.Errorf("write archive entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
