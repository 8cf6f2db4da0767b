// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"io"
	"strings"
	"testing"
)

func TestSSEReaderBasic(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev != `{"a":1}` {
		t.Fatalf("first event = %q, %v", ev, err)
	}
	ev, err = r.ReadEvent()
	if err != nil || ev != `{"b":2}` {
		t.Fatalf("second event = %q, %v", ev, err)
	}
	if _, err := r.ReadEvent(); err != io.EOF {
		t.Fatalf("after [DONE] err = %v, want EOF", err)
	}
}

func TestSSEReaderSkipsCommentsAndOtherFields(t *testing.T) {
	input := ": keepalive\nevent: message\nid: 42\ndata: payload\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev != "payload" {
		t.Fatalf("event = %q, %v", ev, err)
	}
}

func TestSSEReaderCRLF(t *testing.T) {
	input := "data: one\r\n\r\ndata: [DONE]\r\n\r\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev != "one" {
		t.Fatalf("event = %q, %v", ev, err)
	}
	if _, err := r.ReadEvent(); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestSSEReaderMultiLineData(t *testing.T) {
	input := "data: line1\ndata: line2\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev != "line1\nline2" {
		t.Fatalf("event = %q, %v", ev, err)
	}
}

func TestSSEReaderEOFMidEvent(t *testing.T) {
	// Stream cut off before the terminating blank line: partial event dropped.
	r := NewSSEReader(strings.NewReader("data: incomplete"))
	for {
		_, err := r.ReadEvent()
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}
