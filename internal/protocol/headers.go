package protocol

import (
	"log/slog"
	"net/http"
)

// HTTP header names used by the header form of FileMeta.
const (
	HeaderFilename = "filename"
	HeaderMetadata = "metadata"
)

// SetHeaders writes m into h. Absent fields leave their header unset.
func SetHeaders(h http.Header, m FileMeta) error {
	meta, err := normalizeMeta(m.Meta)
	if err != nil {
		return err
	}
	if meta != nil {
		h.Set(HeaderMetadata, string(meta))
	}
	if m.SuggestedName != "" {
		h.Set(HeaderFilename, m.SuggestedName)
	}
	return nil
}

// FromHeaders reads the header form of FileMeta. It never fails: the
// filename header is taken as is (names are validated where they are
// created), and a metadata header that is not valid JSON is dropped with a
// warning.
func FromHeaders(h http.Header, logger *slog.Logger) FileMeta {
	return fromValues(h.Get(HeaderFilename), h.Get(HeaderMetadata), logger)
}

// FromValues is FromHeaders for callers that carry the two fields somewhere
// else, e.g. WebSocket query parameters.
func FromValues(filename, metadata string, logger *slog.Logger) FileMeta {
	return fromValues(filename, metadata, logger)
}

func fromValues(filename, metadata string, logger *slog.Logger) FileMeta {
	if logger == nil {
		logger = slog.Default()
	}
	m := FileMeta{SuggestedName: filename}
	if metadata == "" {
		return m
	}
	meta, err := normalizeMeta([]byte(metadata))
	if err != nil {
		logger.Warn("failed to parse metadata, skipping it", "error", err)
		return m
	}
	m.Meta = meta
	return m
}
