package memclient

import (
	"fmt"
	"strings"
	"time"
)

const factExtractionPrompt = `You extract durable personal facts from what a user tells an assistant.

Keep facts that will still be useful in later conversations: preferences, plans,
relationships, biographical details, health, work and recurring habits.
Skip greetings, small talk and anything that only matters right now.
Write each fact as a short standalone sentence in the user's language.

Today is %s.

Answer with JSON only, in this form:
{"facts": ["fact one", "fact two"]}
Answer {"facts": []} when there is nothing worth keeping.`

// extractionPrompt returns the system prompt for fact extraction. Custom
// instructions replace the built-in guidance but keep the answer format.
func extractionPrompt(custom string, now time.Time) string {
	if strings.TrimSpace(custom) != "" {
		return custom + "\n\nAnswer with JSON only, in this form:\n{\"facts\": [\"fact one\", \"fact two\"]}"
	}
	return fmt.Sprintf(factExtractionPrompt, now.Format("2006-01-02"))
}

const updateMemoryPrompt = `You maintain a list of memories about a user.

Compare each new fact with the existing memories and decide one event per memory:
- ADD: the fact is new. Give it a fresh id that is not in the list.
- UPDATE: the fact refines or changes an existing memory. Keep that memory's id and give the new text.
- DELETE: the fact contradicts an existing memory. Keep that memory's id.
- NONE: the memory is unchanged or the fact is already known.

Existing memories:
%s

New facts:
%s

Answer with JSON only, in this form:
{"memory": [{"id": "0", "text": "...", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "..."}]}`

const categorizationPrompt = `Assign one to three short lowercase categories to the memory you are given,
for example: personal, relationships, preferences, health, travel, work, education,
projects, food, finance, entertainment, technology, shopping, hobbies.
Create a new category name when none of these fits.

Answer with JSON only, in this form:
{"categories": ["category"]}`
