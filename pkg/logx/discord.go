package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Discord messages are capped at 2000 characters; leave room for the code
// fence.
const maxChatLine = 1900

// chatWriter is the zerolog sink feeding the Discord log channel.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	channelID := s.channelID
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if channelID == "" || lim == nil || level < minLevel {
		return len(p), nil
	}
	if box, _ := s.sender.Load().(senderBox); box.s == nil {
		return len(p), nil
	}
	if !lim.Allow() {
		s.dropped.Add(1)
		return len(p), nil
	}
	if msg := formatChatLine(p); msg != "" {
		s.enqueue(chatLine{channelID: channelID, text: msg})
	}
	return len(p), nil
}

// formatChatLine renders a zerolog JSON line as a compact code block:
// "[LEVEL] message" followed by sorted key=value pairs.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return fence(truncate(strings.TrimSpace(string(p)), maxChatLine))
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 300
		if k == "stack" {
			limit = 700
		}
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return fence(truncate(b.String(), maxChatLine))
}

func fence(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "```", "'''")
	return "```\n" + s + "\n```"
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
