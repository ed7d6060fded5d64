// Package transcript persists tagged, timestamped transcript lines and
// renders them back into prompt text.
package transcript

import (
	"html"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the wall-clock format of the timestamp attribute.
const TimestampLayout = "2006-01-02 15:04:05"

// Entry is one parsed transcript line. Index is its position among the
// parseable lines of the file and is never stored.
type Entry struct {
	Tag       string
	Timestamp string
	Payload   string
	Index     int
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var (
	lineBreaks   = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	markupEscape = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrPattern  = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)
)

// EncodePayload folds a payload onto a single line: line breaks become a
// literal backslash-n and markup characters are escaped. Quotes are left
// as is.
func EncodePayload(payload string) string {
	collapsed := strings.ReplaceAll(lineBreaks.Replace(payload), "\n", `\n`)
	return markupEscape.Replace(collapsed)
}

// DecodePayload reverses EncodePayload. A payload that contained a literal
// backslash-n before encoding comes back as a line break.
func DecodePayload(encoded string) string {
	return strings.ReplaceAll(html.UnescapeString(encoded), `\n`, "\n")
}

// FormatLine renders a stored line, including the trailing newline.
func FormatLine(tag, timestamp, payload string) string {
	if timestamp == "" {
		return "<" + tag + ">" + EncodePayload(payload) + "</" + tag + ">\n"
	}
	return "<" + tag + ` timestamp="` + timestamp + `">` + EncodePayload(payload) + "</" + tag + ">\n"
}

// ParseLine parses a stored line. Lines whose closing tag does not match
// the opening tag are rejected.
func ParseLine(line string) (Entry, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "<") || !strings.Contains(s, "</") {
		return Entry{}, false
	}
	openEnd := strings.Index(s, ">")
	closeStart := strings.LastIndex(s, "</")
	closeEnd := strings.LastIndex(s, ">")
	if openEnd == -1 || closeStart == -1 || closeEnd == -1 || closeStart < openEnd+1 || closeEnd < closeStart {
		return Entry{}, false
	}

	tag, attrs, _ := strings.Cut(s[1:openEnd], " ")
	if tag == "" || s[closeStart+2:closeEnd] != tag {
		return Entry{}, false
	}

	var timestamp string
	for _, m := range attrPattern.FindAllStringSubmatch(attrs, -1) {
		if m[1] == "timestamp" {
			timestamp = m[2]
		}
	}
	return Entry{
		Tag:       tag,
		Timestamp: timestamp,
		Payload:   DecodePayload(s[openEnd+1 : closeStart]),
	}, true
}

// RenderEntry renders an entry for a prompt. Markup is escaped but line
// breaks are kept.
func RenderEntry(e Entry) string {
	payload := markupEscape.Replace(e.Payload)
	if e.Timestamp == "" {
		return "<" + e.Tag + ">" + payload + "</" + e.Tag + ">"
	}
	return "<" + e.Tag + ` timestamp="` + e.Timestamp + `">` + payload + "</" + e.Tag + ">"
}

// Render joins rendered entries with newlines.
func Render(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = RenderEntry(e)
	}
	return strings.Join(parts, "\n")
}

// parseLines parses file content and assigns indices in line order.
func parseLines(data string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(data, "\n") {
		e, ok := ParseLine(line)
		if !ok {
			continue
		}
		e.Index = len(entries)
		entries = append(entries, e)
	}
	return entries
}
