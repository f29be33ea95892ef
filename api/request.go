package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DownloadRequest is the single JSON object an API client sends per
// connection.
type DownloadRequest struct {
	BotName      string `json:"bot_name"`
	PackNumber   string `json:"pack_number"`
	SendProgress bool   `json:"send_progress"`
}

// Validate checks the two required string fields are non-empty. Size
// bounds are enforced by the reader, not here.
func (r DownloadRequest) Validate() error {
	if r.BotName == "" {
		return errors.New("bot_name is required")
	}
	if r.PackNumber == "" {
		return errors.New("pack_number is required")
	}
	return nil
}

// ErrRequestTooLarge is returned by readRequest when more than
// maxRequestBytes have been buffered without producing a complete JSON
// object.
var ErrRequestTooLarge = errors.New("api: request too large")

type byteReader interface {
	Read(p []byte) (int, error)
}

// readRequest buffers bytes from r and re-attempts a JSON parse after every
// read, so a request split across TCP segments (or interleaved with slow
// delivery) is handled without any length prefix: each partial buffer that
// fails to parse just waits for more bytes, up to maxBytes.
func readRequest(r byteReader, maxBytes int) (*DownloadRequest, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)

	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxBytes {
				return nil, ErrRequestTooLarge
			}

			var req DownloadRequest
			if err := json.Unmarshal(buf, &req); err == nil {
				return &req, nil
			}
		}
		if readErr != nil {
			return nil, fmt.Errorf("api: read request: %w", readErr)
		}
	}
}
