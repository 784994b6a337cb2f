package actionagent

import (
	"fmt"

	"mailsync/core/domain"
)

// ActionDefinition binds a taxonomy tag to a remote tool invocation: the
// extraction prompt pulls structured fields out of the message, which
// are then merged over DefaultArgs (extracted wins) before the tool call.
type ActionDefinition struct {
	Tag    string // taxonomy tag that triggers this action
	Name   string
	Server string
	Tool   string

	DefaultArgs   map[string]any
	ExtractPrompt func(msg *domain.Message, body string) string
}

// Registry maps action tags to their definitions.
type Registry struct {
	byTag map[string]*ActionDefinition
}

func NewRegistry(defs ...*ActionDefinition) *Registry {
	r := &Registry{byTag: make(map[string]*ActionDefinition, len(defs))}
	for _, d := range defs {
		r.byTag[d.Tag] = d
	}
	return r
}

func (r *Registry) Lookup(tag string) (*ActionDefinition, bool) {
	d, ok := r.byTag[tag]
	return d, ok
}

// Tags returns every registered action tag, used by the agent to scan
// the Store for matching messages.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.byTag))
	for t := range r.byTag {
		tags = append(tags, t)
	}
	return tags
}

// DefaultRegistry wires the two action tags the default taxonomy seeds:
// saving a contact and scheduling a meeting.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&ActionDefinition{
			Tag:    "add-contact",
			Name:   "add_contact",
			Server: "contacts",
			Tool:   "create_contact",
			ExtractPrompt: func(msg *domain.Message, body string) string {
				return fmt.Sprintf(
					"Extract contact details from this email. Respond with a JSON object with keys "+
						"\"name\", \"email\", \"phone\", \"company\", \"title\" (null for any field not present).\n"+
						"Subject: %s\nFrom: %s\nBody: %s\n",
					msg.Subject, msg.From, body,
				)
			},
		},
		&ActionDefinition{
			Tag:    "schedule-meeting",
			Name:   "schedule_meeting",
			Server: "calendar",
			Tool:   "create_event",
			DefaultArgs: map[string]any{
				"duration_minutes": 30,
			},
			ExtractPrompt: func(msg *domain.Message, body string) string {
				return fmt.Sprintf(
					"Extract meeting details from this email. Respond with a JSON object with keys "+
						"\"title\", \"start_time\", \"end_time\", \"location\", \"attendees\", \"description\" "+
						"(null for any field not present).\nSubject: %s\nFrom: %s\nBody: %s\n",
					msg.Subject, msg.From, body,
				)
			},
		},
	)
}
