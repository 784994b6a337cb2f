package actionagent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/logger"
)

type fakeStore struct {
	mu        sync.Mutex
	messages  map[string][]*domain.Message // tag -> messages
	classif   map[string]*domain.Classification
	attempts  map[string]int // messageID+"/"+action -> attempts
	logs      []*domain.ActionLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: map[string][]*domain.Message{},
		classif:  map[string]*domain.Classification{},
		attempts: map[string]int{},
	}
}

func (s *fakeStore) ListMessages(ctx context.Context, accountID string, q out.MessageQuery) ([]*domain.Message, error) {
	if len(q.Tags) == 0 {
		return nil, nil
	}
	return s.messages[q.Tags[0]], nil
}

func (s *fakeStore) GetClassification(ctx context.Context, messageID string) (*domain.Classification, error) {
	return s.classif[messageID], nil
}
func (s *fakeStore) PutClassification(ctx context.Context, c *domain.Classification) error {
	s.classif[c.MessageID] = c
	return nil
}

func (s *fakeStore) CountAttempts(ctx context.Context, messageID, actionName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[messageID+"/"+actionName], nil
}
func (s *fakeStore) CreateActionLog(ctx context.Context, l *domain.ActionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	s.attempts[l.MessageID+"/"+l.ActionName] = l.Attempts
	return nil
}
func (s *fakeStore) ListActionLog(ctx context.Context, accountID string, limit int) ([]*domain.ActionLog, error) {
	return s.logs, nil
}
func (s *fakeStore) ResetAttempts(ctx context.Context, messageID, actionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, messageID+"/"+actionName)
	return nil
}

// storeShim adapts fakeStore to the narrow subset out.Store the Agent
// actually calls (ListMessages, GetClassification, PutClassification,
// CountAttempts, CreateActionLog) while satisfying the full interface
// with empty stand-ins, matching the teacher's "implement other required
// methods with empty implementations" convention.
type storeShim struct {
	*fakeStore
}

func (s storeShim) WithTx(ctx context.Context, fn out.TxFunc) error { return fn(ctx, s) }
func (s storeShim) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return nil, nil
}
func (s storeShim) ListAccounts(ctx context.Context, includeDeleted bool) ([]*domain.Account, error) {
	return nil, nil
}
func (s storeShim) UpsertAccount(ctx context.Context, acc *domain.Account) error { return nil }
func (s storeShim) RenameAccount(ctx context.Context, oldAccountID, newAccountID string) error {
	return nil
}
func (s storeShim) SoftDeleteAccount(ctx context.Context, accountID string, cascadeMessages bool) error {
	return nil
}
func (s storeShim) SetLastSync(ctx context.Context, accountID string, syncedAt time.Time) error {
	return nil
}
func (s storeShim) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return nil, nil
}
func (s storeShim) GetMessages(ctx context.Context, ids []string) (map[string]*domain.Message, error) {
	return nil, nil
}
func (s storeShim) UpsertPreservingLocalAuthority(ctx context.Context, msgs []*domain.Message) error {
	return nil
}
func (s storeShim) UpdateUnread(ctx context.Context, id string, unread bool) error { return nil }
func (s storeShim) UpdateFolder(ctx context.Context, id string, folder domain.LogicalFolder) error {
	return nil
}
func (s storeShim) ListUnclassified(ctx context.Context, accountID string, limit int) ([]*domain.Message, error) {
	return nil, nil
}
func (s storeShim) QueryText(ctx context.Context, accountID string, text string, limit int) ([]*domain.Message, error) {
	return nil, nil
}
func (s storeShim) CreateAttachment(ctx context.Context, a *domain.Attachment) error { return nil }
func (s storeShim) ListAttachments(ctx context.Context, messageID string) ([]*domain.Attachment, error) {
	return nil, nil
}
func (s storeShim) CreateFeedback(ctx context.Context, f *domain.Feedback) error { return nil }
func (s storeShim) ListFewShot(ctx context.Context, accountID string, limit int) ([]*domain.Feedback, error) {
	return nil, nil
}
func (s storeShim) IncrementUseCount(ctx context.Context, feedbackID string) error { return nil }
func (s storeShim) PruneExpired(ctx context.Context, accountID string, maxAge time.Duration, maxCount int) (int, error) {
	return 0, nil
}
func (s storeShim) GetDraft(ctx context.Context, id string) (*domain.Draft, error) { return nil, nil }
func (s storeShim) CreateDraft(ctx context.Context, d *domain.Draft) error         { return nil }
func (s storeShim) UpdateDraft(ctx context.Context, d *domain.Draft) error         { return nil }
func (s storeShim) DeleteDraft(ctx context.Context, id string) error               { return nil }
func (s storeShim) Enqueue(ctx context.Context, op *domain.PendingOperation) error { return nil }
func (s storeShim) ListPending(ctx context.Context, accountID string) ([]*domain.PendingOperation, error) {
	return nil, nil
}
func (s storeShim) MarkCompleted(ctx context.Context, id string) error { return nil }
func (s storeShim) MarkAttemptFailed(ctx context.Context, id string, attemptErr string, maxAttempts int) error {
	return nil
}
func (s storeShim) ListFailed(ctx context.Context, accountID string) ([]*domain.PendingOperation, error) {
	return nil, nil
}
func (s storeShim) GetPushSubscription(ctx context.Context, accountID string) (*domain.PushSubscription, error) {
	return nil, nil
}
func (s storeShim) UpsertPushSubscription(ctx context.Context, sub *domain.PushSubscription) error {
	return nil
}
func (s storeShim) IsTrustedSender(ctx context.Context, accountID, sender string) (bool, error) {
	return false, nil
}
func (s storeShim) TrustSender(ctx context.Context, accountID, sender string) error { return nil }

var _ out.Store = storeShim{}

type fakeBodyStore struct{}

func (fakeBodyStore) FetchBody(ctx context.Context, messageID string) (*string, *string, error) {
	text := "Jane Doe, jane@example.com, 555-1234"
	return &text, nil, nil
}
func (fakeBodyStore) UpdateMessageBody(ctx context.Context, messageID string, text, html *string) error {
	return nil
}
func (fakeBodyStore) DeleteMessageBody(ctx context.Context, messageID string) error { return nil }
func (fakeBodyStore) SaveAttachmentPayload(ctx context.Context, attachmentID string, payload []byte) error {
	return nil
}
func (fakeBodyStore) GetAttachmentPayload(ctx context.Context, attachmentID string) ([]byte, error) {
	return nil, nil
}
func (fakeBodyStore) DeleteAttachmentPayload(ctx context.Context, attachmentID string) error {
	return nil
}

var _ out.BodyStore = fakeBodyStore{}

type fakeInference struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeInference) Generate(ctx context.Context, req out.InferenceRequest) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("fakeInference: no more scripted responses")
}

type fakeToolClient struct {
	tools     []out.ToolDescriptor
	listErr   error
	invokeErr error
	invoked   int
}

func (f *fakeToolClient) ListTools(ctx context.Context) ([]out.ToolDescriptor, error) {
	return f.tools, f.listErr
}
func (f *fakeToolClient) InvokeTool(ctx context.Context, server, tool string, arguments map[string]any) (map[string]any, error) {
	f.invoked++
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return map[string]any{"id": "contact-1"}, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
}

// TestActionPipelineSuccessRemovesTag covers the happy path: extraction
// succeeds, the tool call succeeds, and the triggering tag is removed
// from the message's classification.
func TestActionPipelineSuccessRemovesTag(t *testing.T) {
	store := newFakeStore()
	msg := &domain.Message{ID: "m1", AccountID: "a1"}
	store.messages["add-contact"] = []*domain.Message{msg}
	store.classif["m1"] = &domain.Classification{MessageID: "m1", Tags: []string{"add-contact", "work"}}

	inf := &fakeInference{responses: []string{`{"name":"Jane Doe","email":"jane@example.com","phone":null,"company":null,"title":null}`}}
	tools := &fakeToolClient{tools: []out.ToolDescriptor{{ServerID: "contacts", Name: "create_contact"}}}

	agent := New(storeShim{store}, fakeBodyStore{}, inf, tools, DefaultRegistry(), "test-model", 3, testLogger())
	result, err := agent.Run(context.Background(), "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 0 || result.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	c := store.classif["m1"]
	for _, tag := range c.Tags {
		if tag == "add-contact" {
			t.Errorf("expected add-contact tag to be removed after success, got %v", c.Tags)
		}
	}
	if tools.invoked != 1 {
		t.Errorf("expected exactly one tool invocation, got %d", tools.invoked)
	}
}

// TestActionPipelineExtractionFailureRetriesThenSkips covers scenario S5:
// repeated extraction failures log as failed until the attempt count
// reaches the configured maximum, after which the pair is skipped
// without a further extraction attempt, and the triggering tag is
// retained throughout since it is only removed on success.
func TestActionPipelineExtractionFailureRetriesThenSkips(t *testing.T) {
	store := newFakeStore()
	msg := &domain.Message{ID: "m1", AccountID: "a1"}
	store.messages["add-contact"] = []*domain.Message{msg}
	store.classif["m1"] = &domain.Classification{MessageID: "m1", Tags: []string{"add-contact"}}

	tools := &fakeToolClient{tools: []out.ToolDescriptor{{ServerID: "contacts", Name: "create_contact"}}}

	// maxAttempts=3: runs 1-3 attempt extraction and fail, run 4 sees
	// attempts==3 and skips before ever calling the inference endpoint.
	for i, want := range []domain.ActionStatus{
		domain.ActionStatusFailed,
		domain.ActionStatusFailed,
		domain.ActionStatusFailed,
		domain.ActionStatusSkipped,
	} {
		inf := &fakeInference{responses: []string{"not json"}}
		agent := New(storeShim{store}, fakeBodyStore{}, inf, tools, DefaultRegistry(), "test-model", 3, testLogger())
		result, err := agent.Run(context.Background(), "a1")
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i+1, err)
		}

		var lastStatus domain.ActionStatus
		if len(store.logs) == 0 {
			t.Fatalf("run %d: expected an action log row", i+1)
		}
		lastStatus = store.logs[len(store.logs)-1].Status
		if lastStatus != want {
			t.Errorf("run %d: expected status %s, got %s (result=%+v)", i+1, want, lastStatus, result)
		}

		if tag := store.classif["m1"].Tags; len(tag) != 1 || tag[0] != "add-contact" {
			t.Errorf("run %d: expected tag to be retained after a failure, got %v", i+1, tag)
		}
	}
}

func TestActionPipelineUnknownToolIsSkipped(t *testing.T) {
	store := newFakeStore()
	msg := &domain.Message{ID: "m1", AccountID: "a1"}
	store.messages["add-contact"] = []*domain.Message{msg}
	store.classif["m1"] = &domain.Classification{MessageID: "m1", Tags: []string{"add-contact"}}

	inf := &fakeInference{}
	tools := &fakeToolClient{tools: nil} // registry's tool never appears in the gateway

	agent := New(storeShim{store}, fakeBodyStore{}, inf, tools, DefaultRegistry(), "test-model", 3, testLogger())
	result, err := agent.Run(context.Background(), "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped != 1 {
		t.Fatalf("expected the pair to be skipped, got %+v", result)
	}
	if inf.calls != 0 {
		t.Error("extraction should never run when the tool isn't registered")
	}
}

func TestActionPipelineUnreachableToolGatewaySkipsRun(t *testing.T) {
	store := newFakeStore()
	store.messages["add-contact"] = []*domain.Message{{ID: "m1", AccountID: "a1"}}

	tools := &fakeToolClient{listErr: errors.New("connection refused")}
	agent := New(storeShim{store}, fakeBodyStore{}, &fakeInference{}, tools, DefaultRegistry(), "test-model", 3, testLogger())

	result, err := agent.Run(context.Background(), "a1")
	if err != nil {
		t.Fatalf("an unreachable gateway must not be a run error: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("expected the whole pipeline to be skipped, got %+v", result)
	}
}

func TestMergeArgsExtractedWins(t *testing.T) {
	defaults := map[string]any{"duration_minutes": 30, "location": "TBD"}
	extracted := map[string]any{"duration_minutes": 60, "title": "Standup"}

	merged := mergeArgs(defaults, extracted)
	if merged["duration_minutes"] != 60 {
		t.Errorf("expected extracted value to win, got %v", merged["duration_minutes"])
	}
	if merged["location"] != "TBD" {
		t.Errorf("expected default to survive when not overridden, got %v", merged["location"])
	}
	if merged["title"] != "Standup" {
		t.Errorf("expected extracted-only key to be present, got %v", merged["title"])
	}
}
