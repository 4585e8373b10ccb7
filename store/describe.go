package store

import (
	"fmt"
	"sort"
	"strings"
)

type noteSummary struct {
	Title string `json:"title"`
}

// Describe renders a short human readable summary of the change, used by
// the changes listing.
func (c Change) Describe() string {
	switch c.Type {
	case ChangeCreate:
		return fmt.Sprintf("Created %s", c.noteLabel(c.Data))
	case ChangeUpdate:
		fields := documentKeys(c.Data)
		if len(fields) == 0 {
			return fmt.Sprintf("Updated %s", c.noteLabel(c.OriginalData))
		}
		return fmt.Sprintf("Updated %s on %s", strings.Join(fields, ", "), c.noteLabel(c.OriginalData))
	case ChangeDelete:
		return fmt.Sprintf("Deleted %s", c.noteLabel(c.OriginalData))
	case ChangeTagAdd:
		return fmt.Sprintf("Added tag %q to %s", c.TagName(), c.noteLabel(c.OriginalData))
	case ChangeTagRemove:
		return fmt.Sprintf("Removed tag %q from %s", c.TagName(), c.noteLabel(c.OriginalData))
	}
	return fmt.Sprintf("Unknown change %q", c.Type)
}

// noteLabel prefers the note title and falls back to the remote id.
func (c Change) noteLabel(note Document) string {
	var summary noteSummary
	if err := note.Decode(&summary); err == nil && summary.Title != "" {
		return fmt.Sprintf("note %q", summary.Title)
	}
	if c.RemoteID != "" {
		return fmt.Sprintf("note %s", c.RemoteID)
	}
	return "untitled note"
}

func documentKeys(doc Document) []string {
	var fields map[string]any
	if err := doc.Decode(&fields); err != nil {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
