// Package classifier implements the Classifier leaf of spec §4.4: prompt
// assembly from the taxonomy plus few-shot feedback, a single JSON-mode
// inference call, and strict response normalization.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/logger"
)

const (
	classifyTemperature = 0.2
	replyTemperature    = 0.7
	maxFewShot          = 5
	maxReplySuggestions = 4
	maxReplyLength      = 500
)

// degradedClassification is returned whenever the model's response can't
// be parsed as JSON at all (spec §4.4: "On JSON parse failure").
func degradedClassification(messageID, model string) *domain.Classification {
	return &domain.Classification{
		MessageID:    messageID,
		Tags:         []string{"personal"},
		Priority:     domain.PriorityNormal,
		IsTodo:       false,
		CanArchive:   false,
		Model:        model,
		Confidence:   0.5,
		ClassifiedAt: time.Now().UTC(),
	}
}

// Classifier calls an inference endpoint and turns its reply into a
// normalized domain.Classification.
type Classifier struct {
	inference out.InferenceClient
	feedback  out.FeedbackStore
	taxonomy  *Taxonomy
	model     string
	log       *logger.Logger
}

func New(inference out.InferenceClient, feedback out.FeedbackStore, taxonomy *Taxonomy, model string, log *logger.Logger) *Classifier {
	return &Classifier{inference: inference, feedback: feedback, taxonomy: taxonomy, model: model, log: log}
}

// rawClassification is parsed loosely (map[string]any-backed via a
// permissive schema) so individual malformed fields can be coerced per
// field instead of failing the whole decode.
type rawClassification struct {
	Tags           any `json:"tags"`
	Priority       any `json:"priority"`
	ActionRequired any `json:"action_required"`
	CanArchive     any `json:"can_archive"`
	Confidence     any `json:"confidence"`
}

// Classify builds the prompt, calls the inference endpoint, and returns a
// normalized classification for msg. It never returns a JSON-decode error
// to the caller: parse failure degrades to a low-confidence default
// instead (spec §4.4). Transport/timeout errors from the inference client
// do propagate, since those are retryable.
func (c *Classifier) Classify(ctx context.Context, accountID string, msg *domain.Message) (*domain.Classification, error) {
	fewShot, err := c.feedback.ListFewShot(ctx, accountID, maxFewShot)
	if err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Warn("classifier: few-shot lookup failed, continuing without examples")
		fewShot = nil
	}

	prompt := c.buildClassifyPrompt(msg, fewShot)
	resp, err := c.inference.Generate(ctx, out.InferenceRequest{
		Model:       c.model,
		Prompt:      prompt,
		KeepAlive:   0,
		Temperature: classifyTemperature,
	})
	if err != nil {
		return nil, err
	}

	return c.normalize(msg.ID, resp), nil
}

func (c *Classifier) buildClassifyPrompt(msg *domain.Message, fewShot []*domain.Feedback) string {
	var b strings.Builder
	b.WriteString("You are an email classification assistant. Available tags:\n")
	b.WriteString(c.taxonomy.PromptLines())

	if len(fewShot) > 0 {
		b.WriteString("\nRecent corrections to learn from:\n")
		for _, f := range fewShot {
			fmt.Fprintf(&b, "- sender %s, subject pattern %q: was %v, corrected to %v\n",
				f.SenderDomain, f.SubjectPattern, f.OriginalTags, f.CorrectedTags)
		}
	}

	fmt.Fprintf(&b, "\nClassify this message:\nSubject: %s\nFrom: %s\nTo: %s\nDate: %s\nSnippet: %s\n",
		msg.Subject, msg.From, strings.Join(msg.To, ", "), msg.Date.Format("2006-01-02T15:04:05"), msg.Snippet)

	b.WriteString("\nRespond with a JSON object with exactly these keys: ")
	b.WriteString(`"tags" (array of strings), "priority" ("high" or "normal"), `)
	b.WriteString(`"action_required" (bool), "can_archive" (bool), "confidence" (number 0 to 1).`)
	b.WriteString(" Output only the JSON object, no other text.")
	return b.String()
}

func (c *Classifier) normalize(messageID, resp string) *domain.Classification {
	resp = stripJSONFence(resp)

	var raw rawClassification
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		c.log.WithField("message_id", messageID).Warn("classifier: response was not valid JSON, using degraded default")
		return degradedClassification(messageID, c.model)
	}

	return &domain.Classification{
		MessageID:    messageID,
		Tags:         c.normalizeTags(raw.Tags),
		Priority:     normalizePriority(raw.Priority),
		IsTodo:       coerceBool(raw.ActionRequired),
		CanArchive:   coerceBool(raw.CanArchive),
		Model:        c.model,
		Confidence:   normalizeConfidence(raw.Confidence),
		ClassifiedAt: time.Now().UTC(),
	}
}

// normalizeTags lowercases, trims, dedupes preserving first occurrence,
// and filters against the taxonomy; an empty result defaults to
// ["personal"] (spec §4.4 table).
func (c *Classifier) normalizeTags(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{"personal"}
	}

	seen := make(map[string]bool, len(items))
	var tags []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] || !c.taxonomy.Valid(s) {
			continue
		}
		seen[s] = true
		tags = append(tags, s)
	}
	if len(tags) == 0 {
		return []string{"personal"}
	}
	return tags
}

func normalizePriority(v any) domain.Priority {
	s, _ := v.(string)
	switch domain.Priority(strings.ToLower(strings.TrimSpace(s))) {
	case domain.PriorityHigh:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

func coerceBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// normalizeConfidence parses v as a float, defaults to 0.8 on a type
// error, and clamps to [0,1] (spec §4.4 table).
func normalizeConfidence(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0.8
		}
		f = parsed
	default:
		return 0.8
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

type replySuggestions struct {
	Replies []string `json:"replies"`
}

// SuggestReplies returns up to 4 short reply strings for msg. Parse
// failures degrade to an empty list rather than an error (spec §4.4).
func (c *Classifier) SuggestReplies(ctx context.Context, msg *domain.Message, body, styleContext string) []string {
	prompt := fmt.Sprintf(
		"Suggest up to %d short email replies to the message below. Respond with a JSON object {\"replies\": [...]}, each reply under %d characters.\n%s\nSubject: %s\nFrom: %s\nBody: %s\n",
		maxReplySuggestions, maxReplyLength, styleContext, msg.Subject, msg.From, body,
	)

	resp, err := c.inference.Generate(ctx, out.InferenceRequest{
		Model:       c.model,
		Prompt:      prompt,
		KeepAlive:   0,
		Temperature: replyTemperature,
	})
	if err != nil {
		c.log.WithError(err).WithField("message_id", msg.ID).Warn("classifier: reply suggestion call failed")
		return nil
	}

	var parsed replySuggestions
	if err := json.Unmarshal([]byte(stripJSONFence(resp)), &parsed); err != nil {
		return nil
	}

	out := make([]string, 0, maxReplySuggestions)
	for _, r := range parsed.Replies {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if len(r) > maxReplyLength {
			r = r[:maxReplyLength]
		}
		out = append(out, r)
		if len(out) == maxReplySuggestions {
			break
		}
	}
	return out
}

// stripJSONFence removes a ```json ... ``` or ``` ... ``` wrapper some
// models add around an otherwise-valid JSON body.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
