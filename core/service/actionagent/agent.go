// Package actionagent implements the Action Agent leaf of spec §4.6:
// scanning action-tagged messages, extracting structured payloads
// through the inference endpoint, and invoking a remote tool.
package actionagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/logger"
)

const maxRetries = 3

const scanLimit = 100

// Agent drives one account's action pipeline pass.
type Agent struct {
	store     out.Store
	bodies    out.BodyStore
	inference out.InferenceClient
	tools     out.ToolClient
	registry  *Registry
	model     string
	maxRetries int
	log       *logger.Logger
}

func New(store out.Store, bodies out.BodyStore, inference out.InferenceClient, tools out.ToolClient, registry *Registry, model string, maxAttempts int, log *logger.Logger) *Agent {
	if maxAttempts <= 0 {
		maxAttempts = maxRetries
	}
	return &Agent{
		store:      store,
		bodies:     bodies,
		inference:  inference,
		tools:      tools,
		registry:   registry,
		model:      model,
		maxRetries: maxAttempts,
		log:        log,
	}
}

// RunResult summarizes one action-agent pass.
type RunResult struct {
	AccountID string
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
}

// Run scans accountID's messages for registered action tags and processes
// each (message, action) pair per spec §4.6.
func (a *Agent) Run(ctx context.Context, accountID string) (*RunResult, error) {
	result := &RunResult{AccountID: accountID}

	available, err := a.tools.ListTools(ctx)
	if err != nil {
		// An unreachable tool gateway isn't fatal to the caller: the
		// whole pipeline is simply skipped for this run.
		a.log.WithError(err).WithField("account_id", accountID).Warn("actionagent: tool registry unreachable, skipping run")
		return result, nil
	}
	known := make(map[string]bool, len(available))
	for _, t := range available {
		known[t.ServerID+"/"+t.Name] = true
	}

	for _, tag := range a.registry.Tags() {
		def, _ := a.registry.Lookup(tag)

		msgs, err := a.store.ListMessages(ctx, accountID, out.MessageQuery{Tags: []string{tag}, Limit: scanLimit})
		if err != nil {
			return result, fmt.Errorf("actionagent: list messages for tag %s: %w", tag, err)
		}

		for _, m := range msgs {
			result.Attempted++
			status := a.process(ctx, accountID, m, def, known)
			switch status {
			case domain.ActionStatusSuccess:
				result.Succeeded++
			case domain.ActionStatusSkipped:
				result.Skipped++
			default:
				result.Failed++
			}
		}
	}
	return result, nil
}

func (a *Agent) process(ctx context.Context, accountID string, msg *domain.Message, def *ActionDefinition, knownTools map[string]bool) domain.ActionStatus {
	attempts, err := a.store.CountAttempts(ctx, msg.ID, def.Name)
	if err != nil {
		a.log.WithError(err).WithField("message_id", msg.ID).Warn("actionagent: count attempts failed")
		return domain.ActionStatusFailed
	}
	if attempts >= a.maxRetries {
		a.writeLog(ctx, accountID, msg.ID, def, domain.ActionStatusSkipped, nil, nil, "max attempts reached", attempts)
		return domain.ActionStatusSkipped
	}

	if !knownTools[def.Server+"/"+def.Tool] {
		a.writeLog(ctx, accountID, msg.ID, def, domain.ActionStatusSkipped, nil, nil, "tool not registered", attempts+1)
		return domain.ActionStatusSkipped
	}

	extracted, err := a.extract(ctx, msg, def)
	if err != nil {
		a.writeLog(ctx, accountID, msg.ID, def, domain.ActionStatusFailed, nil, nil, err.Error(), attempts+1)
		return domain.ActionStatusFailed
	}

	args := mergeArgs(def.DefaultArgs, extracted)

	toolResult, err := a.tools.InvokeTool(ctx, def.Server, def.Tool, args)
	if err != nil {
		a.writeLog(ctx, accountID, msg.ID, def, domain.ActionStatusFailed, args, nil, err.Error(), attempts+1)
		return domain.ActionStatusFailed
	}

	if err := a.removeActionTag(ctx, msg.ID, def.Tag); err != nil {
		a.log.WithError(err).WithField("message_id", msg.ID).Warn("actionagent: failed to remove action tag after success")
	}
	a.writeLog(ctx, accountID, msg.ID, def, domain.ActionStatusSuccess, args, toolResult, "", attempts+1)
	return domain.ActionStatusSuccess
}

// extract runs the action's extraction prompt through the inference
// endpoint, parses the JSON result, and drops null fields. A non-dict
// result is an error (spec §4.6 step 3).
func (a *Agent) extract(ctx context.Context, msg *domain.Message, def *ActionDefinition) (map[string]any, error) {
	text, html, err := a.bodies.FetchBody(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch body: %w", err)
	}
	body := ""
	switch {
	case text != nil:
		body = *text
	case html != nil:
		body = *html
	}

	prompt := def.ExtractPrompt(msg, body)
	resp, err := a.inference.Generate(ctx, out.InferenceRequest{
		Model:       a.model,
		Prompt:      prompt,
		KeepAlive:   0,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp), &parsed); err != nil {
		return nil, fmt.Errorf("extraction response was not a JSON object: %w", err)
	}

	for k, v := range parsed {
		if v == nil {
			delete(parsed, k)
		}
	}
	return parsed, nil
}

// mergeArgs layers extracted fields over the action's defaults, with
// extracted values winning on key collision (spec §4.6 step 4).
func mergeArgs(defaults, extracted map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(extracted))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range extracted {
		merged[k] = v
	}
	return merged
}

func (a *Agent) removeActionTag(ctx context.Context, messageID, tag string) error {
	c, err := a.store.GetClassification(ctx, messageID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	filtered := c.Tags[:0:0]
	for _, t := range c.Tags {
		if t != tag {
			filtered = append(filtered, t)
		}
	}
	c.Tags = filtered
	return a.store.PutClassification(ctx, c)
}

func (a *Agent) writeLog(ctx context.Context, accountID, messageID string, def *ActionDefinition, status domain.ActionStatus, extracted, toolResult map[string]any, errMsg string, attempts int) {
	entry := &domain.ActionLog{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		MessageID:        messageID,
		ActionName:       def.Name,
		Server:           def.Server,
		Tool:             def.Tool,
		Status:           status,
		ExtractedPayload: extracted,
		ToolResult:       toolResult,
		Error:            errMsg,
		Attempts:         attempts,
		ProcessedAt:      time.Now().UTC(),
	}
	if err := a.store.CreateActionLog(ctx, entry); err != nil {
		a.log.WithError(err).WithField("message_id", messageID).Error("actionagent: failed to write action log")
	}
}
