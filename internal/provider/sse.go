// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"io"
	"strings"
)

// doneMarker terminates an OpenAI-compatible SSE stream.
const doneMarker = "[DONE]"

// maxSSELineSize bounds a single SSE line (1 MB). Lines beyond this indicate
// a misbehaving server, not a legitimate delta.
const maxSSELineSize = 1024 * 1024

// SSEReader reads server-sent events from a streaming response body.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader wraps a response body in an SSE event reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReaderSize(r, 64*1024),
	}
}

// ReadEvent returns the data payload of the next event. It returns io.EOF at
// end of stream and also when the [DONE] marker is received. Comment lines
// and non-data fields are skipped.
func (s *SSEReader) ReadEvent() (string, error) {
	var data strings.Builder

	for {
		line, err := s.readLine()
		if err != nil {
			// A partial event at EOF is dropped; the stream ended mid-write.
			return "", err
		}

		// Blank line terminates the event.
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			if payload == doneMarker {
				return "", io.EOF
			}
			return payload, nil
		}

		// Comments (": keepalive") and fields other than data are ignored.
		if strings.HasPrefix(line, ":") {
			continue
		}
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(value)
	}
}

// readLine reads one line, tolerating both \n and \r\n endings. A final line
// without a trailing newline is still returned.
func (s *SSEReader) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	if len(line) > maxSSELineSize {
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimRight(line, "\r\n"), nil
}
