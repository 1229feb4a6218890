// Package render turns an alert payload into the Discord embed and
// components moderators see. It has no side effects.
package render

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"modbridge/internal/model"
	"modbridge/internal/safety"

	"github.com/bwmarrin/discordgo"
)

const (
	ColorHandled = 0x2ECC71
	ColorRemoved = 0xE74C3C
	ColorActive  = 0x5865F2

	maxEmbedTitle  = 256
	maxFieldValue  = 1024
	maxTitleLine   = 300
	maxTextLine    = 900
	maxReportLines = 10

	noReportText = "No report reason text returned by Reddit."
)

// Embed builds the alert embed. now feeds the relative age in the footer.
func Embed(p model.AlertPayload, now time.Time) *discordgo.MessageEmbed {
	label := "Post"
	if p.Kind == model.KindComment {
		label = "Comment"
	}
	color := ColorActive
	switch {
	case p.Handled:
		color = ColorHandled
	case p.Removed:
		color = ColorRemoved
	}
	permalink := safety.URL(p.Permalink)
	media := safety.URL(p.MediaURL)
	thumb := safety.URL(p.ThumbnailURL)
	link := safety.URL(p.LinkURL)

	author := p.Author
	if strings.TrimSpace(author) == "" {
		author = "[deleted]"
	}
	e := &discordgo.MessageEmbed{
		Title: truncate(fmt.Sprintf("Reported %s in /r/%s by %s", label, Escape(p.Container), Escape(author)), maxEmbedTitle),
		URL:   permalink,
		Color: color,
	}

	summary := p.Title
	if strings.TrimSpace(summary) == "" {
		summary = label
	}
	lines := []string{
		"**Title:** " + truncate(Escape(summary), maxTitleLine),
		"**Status:** " + Status(p),
	}
	if p.Kind == model.KindSubmission && p.NumComments != nil {
		lines = append(lines, "**Comments:** "+strconv.Itoa(*p.NumComments))
	}
	if link != "" && link != permalink && link != media {
		lines = append(lines, "**Link:** "+link)
	}
	if snippet := strings.TrimSpace(p.Snippet); snippet != "" {
		if u := safety.URL(snippet); u != "" && (u == link || u == permalink || u == media) {
			snippet = ""
		}
		if snippet != "" {
			lines = append(lines, "**Text:** "+truncate(Escape(snippet), maxTextLine))
		}
	}
	e.Description = strings.Join(lines, "\n")

	if media != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: media}
	} else if thumb != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: thumb}
	}

	reports := AggregateReports(append(append([]string{}, p.UserReports...), p.ModReports...))
	var rl []string
	for i, r := range reports {
		if i == maxReportLines {
			break
		}
		rl = append(rl, "- "+Escape(r))
	}
	if len(rl) == 0 {
		rl = []string{noReportText}
	}
	e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
		Name:  "Report reasons",
		Value: truncate(strings.Join(rl, "\n"), maxFieldValue),
	})

	if actions := p.VisibleActions(); len(actions) > 0 {
		al := make([]string, 0, len(actions))
		for _, a := range actions {
			al = append(al, "- "+auditLine(a))
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:  "Audit Log",
			Value: truncate(strings.Join(al, "\n"), maxFieldValue),
		})
	}

	if !p.CreatedAt.IsZero() {
		e.Footer = &discordgo.MessageEmbedFooter{Text: "Posted " + RelativeAge(p.CreatedAt, now)}
	}
	return e
}

// Status lists the active state flags, or "active".
func Status(p model.AlertPayload) string {
	var st []string
	if p.Approved {
		st = append(st, "approved")
	}
	if p.Removed {
		st = append(st, "removed")
	}
	if p.Locked {
		st = append(st, "locked")
	}
	if p.ReportsIgnored {
		st = append(st, "ignored")
	}
	if p.Handled {
		st = append(st, "handled")
	}
	if len(st) == 0 {
		return "active"
	}
	return strings.Join(st, ", ")
}

var countRe = regexp.MustCompile(`^(.*) x(\d+)$`)

// AggregateReports sums "reason xN" lines per reason, most reported first.
// Lines without a count weigh 1.
func AggregateReports(lines []string) []string {
	counts := map[string]int{}
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		reason, n := l, 1
		if m := countRe.FindStringSubmatch(l); m != nil {
			reason = strings.TrimSpace(m[1])
			n, _ = strconv.Atoi(m[2])
		}
		if reason == "" {
			reason = "Unknown reason"
		}
		counts[reason] += n
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s x%d", k, counts[k]))
	}
	return out
}

// RelativeAge renders "just now", "5m ago", "3h ago" or "2d ago".
func RelativeAge(at, now time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	d := max(now.Sub(at), 0)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	}
	return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
}

var mdLinkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

// auditLine escapes an audit entry but keeps markdown links whose target
// is a safe URL.
func auditLine(s string) string {
	var b strings.Builder
	cursor := 0
	for _, m := range mdLinkRe.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(Escape(s[cursor:m[0]]))
		label, target := s[m[2]:m[3]], s[m[4]:m[5]]
		if u := safety.URL(target); u != "" {
			fmt.Fprintf(&b, "[%s](%s)", Escape(label), u)
		} else {
			b.WriteString(Escape(s[m[0]:m[1]]))
		}
		cursor = m[1]
	}
	b.WriteString(Escape(s[cursor:]))
	return b.String()
}

var escaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "~", `\~`, "`", "\\`", "|", `\|`, ">", `\>`,
	"@", "@\u200b",
)

// Escape neutralizes Discord markdown and mentions in untrusted text.
func Escape(s string) string { return escaper.Replace(s) }

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:max(n-3, 0)]) + "..."
}
