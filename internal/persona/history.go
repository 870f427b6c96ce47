package persona

import "encoding/json"

// Role tags a turn history entry.
type Role string

// Roles accepted by the model provider boundary.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Entry is a single role-tagged turn.
type Entry struct {
	Role    Role
	Content string

	// Name carries the function name for RoleFunction entries and the sender
	// display name for attributed user turns.
	Name string
}

// History is the ordered turn list sent to the model.
//
// Structural invariant: the history never contains two consecutive assistant
// entries. Append coalesces an assistant turn into a directly preceding
// assistant turn, so provider role-alternation expectations hold by
// construction rather than by caller discipline.
//
// The zero value is not useful; use NewHistory.
type History struct {
	entries []Entry
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{entries: make([]Entry, 0, 16)}
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.entries) }

// At returns the entry at index i.
func (h *History) At(i int) Entry { return h.entries[i] }

// Entries returns a copy of all entries, safe for use in provider requests
// while the history continues to mutate.
func (h *History) Entries() []Entry {
	cp := make([]Entry, len(h.entries))
	copy(cp, h.entries)
	return cp
}

// Append adds an entry at the end, coalescing consecutive assistant turns.
func (h *History) Append(e Entry) {
	if e.Role == RoleAssistant && len(h.entries) > 0 {
		if last := &h.entries[len(h.entries)-1]; last.Role == RoleAssistant {
			if last.Content == "" {
				last.Content = e.Content
			} else if e.Content != "" {
				last.Content += "\n" + e.Content
			}
			return
		}
	}
	h.entries = append(h.entries, e)
}

// Insert places an entry at index i, shifting later entries right.
func (h *History) Insert(i int, e Entry) {
	if i < 0 {
		i = 0
	}
	if i > len(h.entries) {
		i = len(h.entries)
	}
	h.entries = append(h.entries, Entry{})
	copy(h.entries[i+1:], h.entries[i:])
	h.entries[i] = e
}

// Replace overwrites the entry at index i.
func (h *History) Replace(i int, e Entry) {
	h.entries[i] = e
}

// AppendToLast appends text to the content of the final entry.
// Used by the streamer to accumulate the in-flight assistant turn.
func (h *History) AppendToLast(text string) {
	if len(h.entries) == 0 {
		return
	}
	h.entries[len(h.entries)-1].Content += text
}

// Last returns the final entry and true, or a zero entry and false when empty.
func (h *History) Last() (Entry, bool) {
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// RemoveLast drops the final n entries. Removing more than present clears
// the history.
func (h *History) RemoveLast(n int) {
	if n >= len(h.entries) {
		h.entries = h.entries[:0]
		return
	}
	h.entries = h.entries[:len(h.entries)-n]
}

// RemoveRange drops entries in [i, j).
func (h *History) RemoveRange(i, j int) {
	if i < 0 {
		i = 0
	}
	if j > len(h.entries) {
		j = len(h.entries)
	}
	if i >= j {
		return
	}
	h.entries = append(h.entries[:i], h.entries[j:]...)
}

// Clear removes all entries.
func (h *History) Clear() {
	h.entries = h.entries[:0]
}

// FirstNonSystem returns the index of the first entry whose role is not
// system, or Len() when every entry is a system block.
func (h *History) FirstNonSystem() int {
	for i, e := range h.entries {
		if e.Role != RoleSystem {
			return i
		}
	}
	return len(h.entries)
}

// MarshalJSON encodes the history as its entry list.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.entries)
}

// UnmarshalJSON decodes an entry list.
func (h *History) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &h.entries)
}

// LastAssistant returns the content of the most recent assistant entry.
func (h *History) LastAssistant() (string, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].Role == RoleAssistant {
			return h.entries[i].Content, true
		}
	}
	return "", false
}
