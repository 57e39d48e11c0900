package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/keelhq/keel-assist/internal/channel"
	"github.com/keelhq/keel-assist/internal/directory"
)

// handleExport renders a principal's full transcript as markdown or
// HTML.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "html" {
		s.writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown format %q", format))
		return
	}

	channelID, err := s.history.EnsureChannel(r.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "history unavailable")
		return
	}
	turns, err := s.history.AllTurns(r.Context(), channelID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "history unavailable")
		return
	}

	md := transcriptMarkdown(p, turns)

	switch format {
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="transcript.md"`)
		fmt.Fprint(w, md)

	case "html":
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(md), &buf); err != nil {
			s.writeError(w, http.StatusInternalServerError, "upstream_failure", "render failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Conversation transcript</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String())
	}
}

// transcriptMarkdown renders the stored turns as a markdown document.
// Tool payloads ride in fenced blocks so they survive HTML rendering.
func transcriptMarkdown(p directory.Principal, turns []channel.Turn) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Conversation transcript\n\n")
	fmt.Fprintf(&b, "User: %s (%s)\n\n", p.Name, p.Role)

	if len(turns) == 0 {
		b.WriteString("_No conversation history._\n")
		return b.String()
	}

	for _, t := range turns {
		stamp := t.CreatedAt.UTC().Format(time.RFC3339)
		switch t.Role {
		case channel.RoleUser:
			fmt.Fprintf(&b, "## User (%s)\n\n%s\n\n", stamp, t.Content)
		case channel.RoleModel:
			fmt.Fprintf(&b, "## Assistant (%s)\n\n%s\n\n", stamp, t.Content)
		case channel.RoleToolRequest:
			fmt.Fprintf(&b, "### Tool request: %s (%s)\n\n```json\n%s\n```\n\n", t.ToolName, stamp, t.Payload)
		case channel.RoleToolResult:
			fmt.Fprintf(&b, "### Tool result: %s (%s)\n\n```json\n%s\n```\n\n", t.ToolName, stamp, t.Content)
		}
	}
	return b.String()
}
