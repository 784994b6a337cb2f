package syncengine

import (
	"strings"

	"mailsync/core/domain"
)

const inboxLabel = "INBOX"

// labelDelta computes the add/remove label sets for a message given its
// classification, per spec §4.5 step 4: tags map to prefix/Capitalized,
// high priority adds prefix/Priority, todo adds prefix/ToDo, and
// can_archive removes INBOX. The diff against current provider labels is
// restricted to labels under prefix/, plus the special-cased INBOX
// removal for archiving.
func labelDelta(prefix string, current []string, c *domain.Classification) (add, remove []string) {
	desired := make(map[string]bool)
	for _, tag := range c.Tags {
		desired[prefix+"/"+capitalize(tag)] = true
	}
	if c.Priority == domain.PriorityHigh {
		desired[prefix+"/Priority"] = true
	}
	if c.IsTodo {
		desired[prefix+"/ToDo"] = true
	}

	currentPrefixed := make(map[string]bool)
	for _, label := range current {
		if strings.HasPrefix(label, prefix+"/") {
			currentPrefixed[label] = true
		}
	}

	for label := range desired {
		if !currentPrefixed[label] {
			add = append(add, label)
		}
	}
	for label := range currentPrefixed {
		if !desired[label] {
			remove = append(remove, label)
		}
	}

	if c.CanArchive {
		remove = append(remove, inboxLabel)
	}
	return add, remove
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
