package kindle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const metadataEntry = "metadata.json"

// ReadRenderMetadata scans the tar archive returned by the render service and
// decodes its metadata.json entry. Other entries are skipped unread.
func ReadRenderMetadata(archive []byte) (*RenderMetadata, error) {
	tr := tar.NewReader(bytes.NewReader(archive))

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrMetadataNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read render archive: %w", err)
		}

		if strings.TrimPrefix(hdr.Name, "./") != metadataEntry {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", metadataEntry, err)
		}

		var meta RenderMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", metadataEntry, err)
		}
		return &meta, nil
	}
}
