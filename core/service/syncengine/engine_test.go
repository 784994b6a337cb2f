package syncengine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/core/service/classifier"
	"mailsync/pkg/logger"
)

// --- fakes ---

type fakeStore struct {
	mu              sync.Mutex
	accounts        map[string]*domain.Account
	messages        map[string]*domain.Message
	classifications map[string]*domain.Classification
	pending         []*domain.PendingOperation
	completed       map[string]bool
	failed          map[string]string
	attachments     []*domain.Attachment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:        map[string]*domain.Account{},
		messages:        map[string]*domain.Message{},
		classifications: map[string]*domain.Classification{},
		completed:       map[string]bool{},
		failed:          map[string]string{},
	}
}

func (s *fakeStore) WithTx(ctx context.Context, fn out.TxFunc) error { return fn(ctx, s) }

func (s *fakeStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID], nil
}
func (s *fakeStore) ListAccounts(ctx context.Context, includeDeleted bool) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Account
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}
func (s *fakeStore) UpsertAccount(ctx context.Context, acc *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.AccountID] = acc
	return nil
}
func (s *fakeStore) RenameAccount(ctx context.Context, oldAccountID, newAccountID string) error {
	return nil
}
func (s *fakeStore) SoftDeleteAccount(ctx context.Context, accountID string, cascadeMessages bool) error {
	return nil
}
func (s *fakeStore) SetLastSync(ctx context.Context, accountID string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[accountID]; ok {
		t := syncedAt
		acc.LastSync = &t
	}
	return nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id], nil
}
func (s *fakeStore) GetMessages(ctx context.Context, ids []string) (map[string]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*domain.Message{}
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}
func (s *fakeStore) ListMessages(ctx context.Context, accountID string, q out.MessageQuery) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*domain.Message
	for _, m := range s.messages {
		if m.AccountID == accountID {
			result = append(result, m)
		}
	}
	return result, nil
}

// UpsertPreservingLocalAuthority mirrors the real Store contract: new
// rows adopt provider state verbatim, existing rows keep their local
// IsUnread/Folder untouched (spec §4.2, §4.5 step 3; testable property 2).
func (s *fakeStore) UpsertPreservingLocalAuthority(ctx context.Context, msgs []*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if existing, ok := s.messages[m.ID]; ok {
			incoming := *m
			incoming.IsUnread = existing.IsUnread
			incoming.Folder = existing.Folder
			incoming.OriginalFolder = existing.OriginalFolder
			s.messages[m.ID] = &incoming
			continue
		}
		cp := *m
		s.messages[m.ID] = &cp
	}
	return nil
}
func (s *fakeStore) UpdateUnread(ctx context.Context, id string, unread bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.IsUnread = unread
	}
	return nil
}
func (s *fakeStore) UpdateFolder(ctx context.Context, id string, folder domain.LogicalFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Folder = folder
	}
	return nil
}
func (s *fakeStore) ListUnclassified(ctx context.Context, accountID string, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*domain.Message
	for _, m := range s.messages {
		if m.AccountID != accountID {
			continue
		}
		if _, classified := s.classifications[m.ID]; !classified {
			result = append(result, m)
		}
	}
	return result, nil
}
func (s *fakeStore) QueryText(ctx context.Context, accountID string, text string, limit int) ([]*domain.Message, error) {
	return nil, nil
}
func (s *fakeStore) CreateAttachment(ctx context.Context, a *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, a)
	return nil
}
func (s *fakeStore) ListAttachments(ctx context.Context, messageID string) ([]*domain.Attachment, error) {
	return nil, nil
}

func (s *fakeStore) GetClassification(ctx context.Context, messageID string) (*domain.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classifications[messageID], nil
}
func (s *fakeStore) PutClassification(ctx context.Context, c *domain.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifications[c.MessageID] = c
	return nil
}

func (s *fakeStore) CreateFeedback(ctx context.Context, f *domain.Feedback) error { return nil }
func (s *fakeStore) ListFewShot(ctx context.Context, accountID string, limit int) ([]*domain.Feedback, error) {
	return nil, nil
}
func (s *fakeStore) IncrementUseCount(ctx context.Context, feedbackID string) error { return nil }
func (s *fakeStore) PruneExpired(ctx context.Context, accountID string, maxAge time.Duration, maxCount int) (int, error) {
	return 0, nil
}

func (s *fakeStore) GetDraft(ctx context.Context, id string) (*domain.Draft, error) { return nil, nil }
func (s *fakeStore) CreateDraft(ctx context.Context, d *domain.Draft) error         { return nil }
func (s *fakeStore) UpdateDraft(ctx context.Context, d *domain.Draft) error         { return nil }
func (s *fakeStore) DeleteDraft(ctx context.Context, id string) error               { return nil }

func (s *fakeStore) Enqueue(ctx context.Context, op *domain.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opposite, ok := domain.OppositeOf(op.Operation); ok {
		for i, p := range s.pending {
			if p.MessageID == op.MessageID && p.Operation == opposite && p.Status == domain.OpStatusPending {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				return nil
			}
		}
	}
	for _, p := range s.pending {
		if p.MessageID == op.MessageID && p.Operation == op.Operation && p.Status == domain.OpStatusPending {
			return nil
		}
	}
	s.pending = append(s.pending, op)
	return nil
}
func (s *fakeStore) ListPending(ctx context.Context, accountID string) ([]*domain.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*domain.PendingOperation
	for _, p := range s.pending {
		if p.AccountID == accountID && p.Status == domain.OpStatusPending {
			result = append(result, p)
		}
	}
	return result, nil
}
func (s *fakeStore) MarkCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = true
	for _, p := range s.pending {
		if p.ID == id {
			p.Status = domain.OpStatusCompleted
		}
	}
	return nil
}
func (s *fakeStore) MarkAttemptFailed(ctx context.Context, id string, attemptErr string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = attemptErr
	for _, p := range s.pending {
		if p.ID == id {
			p.Attempts++
			if p.Attempts >= maxAttempts {
				p.Status = domain.OpStatusFailed
			}
		}
	}
	return nil
}
func (s *fakeStore) ListFailed(ctx context.Context, accountID string) ([]*domain.PendingOperation, error) {
	return nil, nil
}

func (s *fakeStore) GetPushSubscription(ctx context.Context, accountID string) (*domain.PushSubscription, error) {
	return nil, nil
}
func (s *fakeStore) UpsertPushSubscription(ctx context.Context, sub *domain.PushSubscription) error {
	return nil
}

func (s *fakeStore) IsTrustedSender(ctx context.Context, accountID, sender string) (bool, error) {
	return false, nil
}
func (s *fakeStore) TrustSender(ctx context.Context, accountID, sender string) error { return nil }

func (s *fakeStore) CreateActionLog(ctx context.Context, l *domain.ActionLog) error { return nil }
func (s *fakeStore) ListActionLog(ctx context.Context, accountID string, limit int) ([]*domain.ActionLog, error) {
	return nil, nil
}
func (s *fakeStore) CountAttempts(ctx context.Context, messageID, actionName string) (int, error) {
	return 0, nil
}
func (s *fakeStore) ResetAttempts(ctx context.Context, messageID, actionName string) error { return nil }

var _ out.Store = (*fakeStore)(nil)

type fakeBodyStore struct {
	mu     sync.Mutex
	bodies map[string][2]*string
}

func newFakeBodyStore() *fakeBodyStore { return &fakeBodyStore{bodies: map[string][2]*string{}} }

func (b *fakeBodyStore) FetchBody(ctx context.Context, messageID string) (*string, *string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pair := b.bodies[messageID]
	return pair[0], pair[1], nil
}
func (b *fakeBodyStore) UpdateMessageBody(ctx context.Context, messageID string, text, html *string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies[messageID] = [2]*string{text, html}
	return nil
}
func (b *fakeBodyStore) DeleteMessageBody(ctx context.Context, messageID string) error { return nil }
func (b *fakeBodyStore) SaveAttachmentPayload(ctx context.Context, attachmentID string, payload []byte) error {
	return nil
}
func (b *fakeBodyStore) GetAttachmentPayload(ctx context.Context, attachmentID string) ([]byte, error) {
	return nil, nil
}
func (b *fakeBodyStore) DeleteAttachmentPayload(ctx context.Context, attachmentID string) error {
	return nil
}

var _ out.BodyStore = (*fakeBodyStore)(nil)

type fakeProvider struct {
	accountID string
	fetch     *out.FetchResult
	fetchErr  error

	mu        sync.Mutex
	addCalls  map[string][]string
	removeCalls map[string][]string
	opCalls   []domain.OperationKind
	opErrs    map[domain.OperationKind]error
}

func (p *fakeProvider) AccountID() string { return p.accountID }
func (p *fakeProvider) FetchSince(ctx context.Context, cursor string, max int) (*out.FetchResult, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.fetch, nil
}
func (p *fakeProvider) ApplyLabelDelta(ctx context.Context, providerMessageID string, add, remove []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addCalls == nil {
		p.addCalls = map[string][]string{}
		p.removeCalls = map[string][]string{}
	}
	p.addCalls[providerMessageID] = add
	p.removeCalls[providerMessageID] = remove
	return nil
}
func (p *fakeProvider) MarkRead(ctx context.Context, providerMessageID string) error {
	return p.recordOp(domain.OpMarkRead)
}
func (p *fakeProvider) MarkUnread(ctx context.Context, providerMessageID string) error {
	return p.recordOp(domain.OpMarkUnread)
}
func (p *fakeProvider) Trash(ctx context.Context, providerMessageID string) error {
	return p.recordOp(domain.OpTrash)
}
func (p *fakeProvider) Restore(ctx context.Context, providerMessageID string) error {
	return p.recordOp(domain.OpRestore)
}
func (p *fakeProvider) Delete(ctx context.Context, providerMessageID string) error {
	return p.recordOp(domain.OpDelete)
}
func (p *fakeProvider) recordOp(kind domain.OperationKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opCalls = append(p.opCalls, kind)
	return p.opErrs[kind]
}
func (p *fakeProvider) Send(ctx context.Context, draft *domain.Draft, attachments []*domain.Attachment) error {
	return nil
}
func (p *fakeProvider) Close() error { return nil }

var _ out.Provider = (*fakeProvider)(nil)

type fakeConnPool struct {
	provider out.Provider
}

func (p *fakeConnPool) Acquire(ctx context.Context, accountID string) (out.Provider, error) {
	return p.provider, nil
}
func (p *fakeConnPool) Release(accountID string, conn out.Provider) {}
func (p *fakeConnPool) Evict(accountID string)                      {}

var _ out.ConnPool = (*fakeConnPool)(nil)

type fakeInferenceClient struct {
	response string
	err      error
}

func (f *fakeInferenceClient) Generate(ctx context.Context, req out.InferenceRequest) (string, error) {
	return f.response, f.err
}

type fakeFeedbackStore struct{}

func (f *fakeFeedbackStore) CreateFeedback(ctx context.Context, fb *domain.Feedback) error { return nil }
func (f *fakeFeedbackStore) ListFewShot(ctx context.Context, accountID string, limit int) ([]*domain.Feedback, error) {
	return nil, nil
}
func (f *fakeFeedbackStore) IncrementUseCount(ctx context.Context, feedbackID string) error { return nil }
func (f *fakeFeedbackStore) PruneExpired(ctx context.Context, accountID string, maxAge time.Duration, maxCount int) (int, error) {
	return 0, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
}

func newTestEngine(store *fakeStore, bodies *fakeBodyStore, pool out.ConnPool, inferenceResp string) *Engine {
	cl := classifier.New(&fakeInferenceClient{response: inferenceResp}, &fakeFeedbackStore{}, classifier.DefaultTaxonomy(), "test-model", testLogger())
	return New(store, bodies, pool, cl, DefaultConfig(), testLogger())
}

// TestSyncClassifyAndLabel covers scenario S1 end to end through the
// engine: a fetched message gets classified and its label delta pushed.
func TestSyncClassifyAndLabel(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{AccountID: "a1", Provider: domain.ProviderIMAP}
	bodies := newFakeBodyStore()

	msg := &domain.Message{ID: "m1", AccountID: "a1", Subject: "Invoice #4471 due", IsUnread: true, Folder: domain.FolderInbox}
	provider := &fakeProvider{accountID: "a1", fetch: &out.FetchResult{Messages: []*domain.Message{msg}}}
	pool := &fakeConnPool{provider: provider}

	resp := `{"tags":["finance","invoice"],"priority":"normal","action_required":true,"can_archive":false,"confidence":0.92}`
	engine := newTestEngine(store, bodies, pool, resp)

	result, err := engine.Sync(context.Background(), "a1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Fetched != 1 || result.Classified != 1 || result.LabelsUpdated != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	c := store.classifications["m1"]
	if c == nil || c.Confidence != 0.92 {
		t.Fatalf("expected stored classification with confidence 0.92, got %+v", c)
	}

	add := provider.addCalls["m1"]
	wantAdds := map[string]bool{"AI/Finance": true, "AI/Invoice": true, "AI/ToDo": true}
	if len(add) != len(wantAdds) {
		t.Fatalf("expected %d add labels, got %v", len(wantAdds), add)
	}
	for _, a := range add {
		if !wantAdds[a] {
			t.Errorf("unexpected add label %q", a)
		}
	}
	if len(provider.removeCalls["m1"]) != 0 {
		t.Errorf("expected empty remove-set, got %v", provider.removeCalls["m1"])
	}
}

// TestSyncPreservesLocalAuthority covers scenario S2 / testable property 2:
// a re-fetch of an existing message must never flip IsUnread or Folder
// from the provider's payload.
func TestSyncPreservesLocalAuthority(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{AccountID: "a1", Provider: domain.ProviderIMAP}
	store.messages["m1"] = &domain.Message{ID: "m1", AccountID: "a1", IsUnread: false, Folder: domain.FolderTrash}
	store.classifications["m1"] = &domain.Classification{MessageID: "m1", Tags: []string{"personal"}}
	bodies := newFakeBodyStore()

	// Provider reports the message as unread and still in the inbox —
	// local state must win.
	providerMsg := &domain.Message{ID: "m1", AccountID: "a1", IsUnread: true, Folder: domain.FolderInbox}
	provider := &fakeProvider{accountID: "a1", fetch: &out.FetchResult{Messages: []*domain.Message{providerMsg}}}
	pool := &fakeConnPool{provider: provider}

	engine := newTestEngine(store, bodies, pool, `{}`)
	if _, err := engine.Sync(context.Background(), "a1", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.messages["m1"]
	if got.IsUnread != false {
		t.Errorf("expected IsUnread to remain false (local authority), got %v", got.IsUnread)
	}
	if got.Folder != domain.FolderTrash {
		t.Errorf("expected Folder to remain trash (local authority), got %v", got.Folder)
	}
}

// TestSyncAuthFailureDoesNotAdvanceLastSync covers scenario S6: a fetch
// failure aborts the run and last_sync is not advanced.
func TestSyncAuthFailureDoesNotAdvanceLastSync(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{AccountID: "a1", Provider: domain.ProviderIMAP}
	bodies := newFakeBodyStore()

	provider := &fakeProvider{accountID: "a1", fetchErr: errors.New("401 unauthorized")}
	pool := &fakeConnPool{provider: provider}

	engine := newTestEngine(store, bodies, pool, `{}`)
	_, err := engine.Sync(context.Background(), "a1", 10)
	if err == nil {
		t.Fatal("expected fetch failure to abort the run")
	}
	if store.accounts["a1"].LastSync != nil {
		t.Error("expected last_sync to remain unset after an aborted run")
	}
}

// TestSyncConcurrentRunsForSameAccountConflict exercises the
// "one sync at a time per account" rule (spec §4.5/§5).
func TestSyncConcurrentRunsForSameAccountConflict(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{AccountID: "a1", Provider: domain.ProviderIMAP}

	engine := newTestEngine(store, newFakeBodyStore(), &fakeConnPool{provider: &fakeProvider{accountID: "a1"}}, `{}`)
	if !engine.tryEnter("a1") {
		t.Fatal("expected first tryEnter to succeed")
	}
	defer engine.leave("a1")

	if _, err := engine.Sync(context.Background(), "a1", 10); err == nil {
		t.Error("expected a concurrent sync for the same account to be rejected")
	}
}

func TestDrainPendingCompletesAndFails(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{AccountID: "a1", Provider: domain.ProviderIMAP}
	store.pending = []*domain.PendingOperation{
		{ID: "op1", AccountID: "a1", MessageID: "m1", Operation: domain.OpMarkRead, Status: domain.OpStatusPending},
		{ID: "op2", AccountID: "a1", MessageID: "m2", Operation: domain.OpTrash, Status: domain.OpStatusPending},
	}
	bodies := newFakeBodyStore()
	provider := &fakeProvider{accountID: "a1", fetch: &out.FetchResult{}, opErrs: map[domain.OperationKind]error{domain.OpTrash: errors.New("trash failed")}}
	pool := &fakeConnPool{provider: provider}

	engine := newTestEngine(store, bodies, pool, `{}`)
	result, err := engine.Sync(context.Background(), "a1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !store.completed["op1"] {
		t.Error("expected mark_read pending op to complete (provider op has no error)")
	}
	if _, ok := store.failed["op2"]; !ok {
		t.Error("expected trash pending op to be recorded as a failed attempt")
	}
	_ = result
}
