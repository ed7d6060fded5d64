package memory

import (
	"fmt"
	"strings"

	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/transcript"
)

const curatorPrompt = `You are the assistant's chief-of-staff memory curator. Produce a complete working-memory briefing
that the assistant reads before every response. Follow these directives without exception:

FORMAT: Always output using this exact structure (replace angle brackets with content):

Summary generated: <latest relevant timestamp from the logs in YYYY-MM-DD HH:MM> (user timezone)

Timeline & Commitments:
- <YYYY-MM-DD HH:MM>: <event / meeting / travel>. Include participants, location, objective,
  required deliverables, and current status (confirmed / pending / awaiting response) in chronological order.

Pending & Follow-ups:
- <Due YYYY-MM-DD HH:MM or window>: <open task>. Specify owner, status, next step, blockers,
  and any tracking IDs, links, budgets, or artefacts mentioned.

Routines & Recurring:
- <Cadence (e.g., Mon/Wed/Fri 07:00)>: <habit, reminder, or standing order>. Note fulfilment channel,
  lead times, budgets, or escalation rules if provided.

Preferences & Profile:
- <Stable preference, constraint, or personal detail>. Capture formats, brands, dietary needs,
  communication styles, scheduling windows, or other personalization cues.

Context & Notes:
- <Strategic insight, dependency, risk, metric, or configuration> that informs future decisions and
  does not belong in earlier sections.

If a section has no content, output a single bullet "- No items."

RULES: Obey all of these simultaneously:
1. Rebuild the entire briefing from scratch on every run; never append or partially edit prior text.
2. Merge new actionable information while retaining still-relevant facts from the previous summary.
3. Remove items that are complete or obsolete unless the logs explicitly keep them active.
4. Convert every relative time phrase (today, tomorrow, next week, tonight, etc.) into explicit
   YYYY-MM-DD (and HH:MM when known) timestamps in the user's timezone.
5. Include all salient details for people, locations, deliverables, tools, identifiers, budgets, and links
   whenever they appear in the logs.
6. Order bullets earliest-first within each section and keep language concise yet information-dense.
7. Do not invent facts; only use information present in the existing summary or new logs.`

// Prompt is a summarization request ready to send.
type Prompt struct {
	System   string
	Messages []llm.Message
}

// BuildPrompt asks the model to rebuild the summary from the previous one
// and the entries being folded.
func BuildPrompt(previous string, entries []transcript.Entry) Prompt {
	existing := strings.TrimSpace(previous)
	if existing == "" {
		existing = "None"
	}
	content := "Existing memory summary:\n" + existing +
		"\n\nNew conversation logs to merge:\n" + formatEntries(entries)
	return Prompt{
		System:   curatorPrompt,
		Messages: []llm.Message{{Role: "user", Content: content}},
	}
}

func formatEntries(entries []transcript.Entry) string {
	if len(entries) == 0 {
		return "(no new logs)"
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		index := "?"
		if e.Index >= 0 {
			index = fmt.Sprint(e.Index)
		}
		payload := strings.TrimSpace(e.Payload)
		if payload == "" {
			payload = "(empty)"
		}
		lines[i] = fmt.Sprintf("[%s] %s: %s", index, strings.ReplaceAll(e.Tag, "_", " "), payload)
	}
	return strings.Join(lines, "\n")
}
