// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders sessions to Markdown.
//
// Output is deterministic: identical session content produces byte-identical
// files. Nothing wall-clock dependent is written unless the caller opts into
// message timestamps, which come from the messages themselves.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/corsie-chat/corsie/internal/model"
	"github.com/corsie-chat/corsie/internal/util"
)

// Options controls what the exporter includes.
type Options struct {
	// IncludeMetadata adds a header block with model and creation time.
	IncludeMetadata bool
	// IncludeTimestamps adds each message's timestamp under its role header.
	IncludeTimestamps bool
}

// timeLayout formats timestamps in UTC so exports don't depend on the local
// timezone of the exporting machine.
const timeLayout = "2006-01-02 15:04:05 UTC"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Markdown renders a session.
func Markdown(sess *model.Session, opts Options) string {
	var sb strings.Builder

	sb.WriteString("# ")
	sb.WriteString(sess.Title)
	sb.WriteString("\n\n")

	if opts.IncludeMetadata {
		sb.WriteString(fmt.Sprintf("- **Model:** %s\n", sess.Model))
		sb.WriteString(fmt.Sprintf("- **Created:** %s\n", formatTime(sess.CreatedAt)))
		sb.WriteString(fmt.Sprintf("- **Messages:** %d\n", len(sess.Messages)))
		if sess.SystemPrompt != "" {
			sb.WriteString(fmt.Sprintf("- **System prompt:** %s\n", util.CollapseWhitespace(sess.SystemPrompt)))
		}
		sb.WriteString("\n")
	}

	for i, msg := range sess.Messages {
		if i > 0 {
			sb.WriteString("---\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(msg.Role.DisplayName())
		if msg.State == model.StateAborted {
			sb.WriteString(" (interrupted)")
		}
		sb.WriteString("\n\n")
		if opts.IncludeTimestamps {
			sb.WriteString("*")
			sb.WriteString(formatTime(msg.CreatedAt))
			sb.WriteString("*\n\n")
		}
		sb.WriteString(msg.DisplayContent())
		sb.WriteString("\n\n")
	}

	return sb.String()
}

// ToFile writes the rendered session to path atomically.
func ToFile(sess *model.Session, path string, opts Options) error {
	return util.AtomicWriteFile(path, []byte(Markdown(sess, opts)), 0644)
}
