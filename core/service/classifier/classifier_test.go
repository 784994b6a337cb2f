package classifier

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/logger"
)

// fakeInference is a scripted out.InferenceClient: each call pops the
// next canned response/error pair, mirroring the mock style the teacher
// uses for its LLM client tests.
type fakeInference struct {
	responses []string
	errs      []error
	calls     int
	lastReq   out.InferenceRequest
}

func (f *fakeInference) Generate(ctx context.Context, req out.InferenceRequest) (string, error) {
	f.lastReq = req
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

type fakeFeedbackStore struct {
	fewShot []*domain.Feedback
	err     error
}

func (f *fakeFeedbackStore) CreateFeedback(ctx context.Context, fb *domain.Feedback) error { return nil }
func (f *fakeFeedbackStore) ListFewShot(ctx context.Context, accountID string, limit int) ([]*domain.Feedback, error) {
	return f.fewShot, f.err
}
func (f *fakeFeedbackStore) IncrementUseCount(ctx context.Context, feedbackID string) error { return nil }
func (f *fakeFeedbackStore) PruneExpired(ctx context.Context, accountID string, maxAge time.Duration, maxCount int) (int, error) {
	return 0, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
}

func newTestClassifier(inf out.InferenceClient) *Classifier {
	return New(inf, &fakeFeedbackStore{}, DefaultTaxonomy(), "test-model", testLogger())
}

// TestClassifyInvoice covers the classify-and-label scenario (S1): a
// well-formed JSON reply normalizes straight through.
func TestClassifyInvoice(t *testing.T) {
	inf := &fakeInference{responses: []string{
		`{"tags":["finance","invoice"],"priority":"normal","action_required":true,"can_archive":false,"confidence":0.92}`,
	}}
	c := newTestClassifier(inf)

	msg := &domain.Message{ID: "m1", Subject: "Invoice #4471 due", From: "billing@vendor.com"}
	got, err := c.Classify(context.Background(), "a1", msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "finance" || got.Tags[1] != "invoice" {
		t.Errorf("unexpected tags: %v", got.Tags)
	}
	if got.Priority != domain.PriorityNormal {
		t.Errorf("expected priority normal, got %s", got.Priority)
	}
	if !got.IsTodo || got.CanArchive {
		t.Errorf("expected IsTodo=true CanArchive=false, got %+v", got)
	}
	if got.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", got.Confidence)
	}
	if got.MessageID != "m1" {
		t.Errorf("expected message id m1, got %s", got.MessageID)
	}
}

func TestClassifyTransportErrorPropagates(t *testing.T) {
	inf := &fakeInference{errs: []error{errors.New("connection reset")}}
	c := newTestClassifier(inf)

	_, err := c.Classify(context.Background(), "a1", &domain.Message{ID: "m1"})
	if err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestClassifyJSONParseFailureDegrades(t *testing.T) {
	inf := &fakeInference{responses: []string{"this is not json"}}
	c := newTestClassifier(inf)

	got, err := c.Classify(context.Background(), "a1", &domain.Message{ID: "m1"})
	if err != nil {
		t.Fatalf("parse failure must not be returned as an error: %v", err)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "personal" {
		t.Errorf("expected degraded tags [personal], got %v", got.Tags)
	}
	if got.Priority != domain.PriorityNormal {
		t.Errorf("expected degraded priority normal, got %s", got.Priority)
	}
	if got.IsTodo || got.CanArchive {
		t.Errorf("expected degraded flags false, got %+v", got)
	}
	if got.Confidence != 0.5 {
		t.Errorf("expected degraded confidence 0.5, got %v", got.Confidence)
	}
}

func TestNormalizeTags(t *testing.T) {
	c := newTestClassifier(&fakeInference{})

	tests := []struct {
		name string
		raw  any
		want []string
	}{
		{"uppercase and whitespace and unknown filtered", []any{"WORK", " work ", "bogus"}, []string{"work"}},
		{"empty input defaults to personal", []any{}, []string{"personal"}},
		{"not an array defaults to personal", "work", []string{"personal"}},
		{"dedupe preserves first occurrence", []any{"work", "personal", "work"}, []string{"work", "personal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.normalizeTags(tt.raw)
			if !stringSliceEqual(got, tt.want) {
				t.Errorf("normalizeTags(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want float64
	}{
		{"missing value defaults to 0.8", nil, 0.8},
		{"non-numeric string defaults to 0.8", "not-a-number", 0.8},
		{"bool type error defaults to 0.8", true, 0.8},
		{"above range clamps to 1.0", 1.5, 1.0},
		{"below range clamps to 0.0", -0.3, 0.0},
		{"in range passes through", 0.42, 0.42},
		{"numeric string parses", "0.77", 0.77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeConfidence(tt.raw); got != tt.want {
				t.Errorf("normalizeConfidence(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizePriority(t *testing.T) {
	tests := []struct {
		raw  any
		want domain.Priority
	}{
		{"high", domain.PriorityHigh},
		{"HIGH", domain.PriorityHigh},
		{" high ", domain.PriorityHigh},
		{"normal", domain.PriorityNormal},
		{"urgent", domain.PriorityNormal},
		{nil, domain.PriorityNormal},
		{42, domain.PriorityNormal},
	}
	for _, tt := range tests {
		if got := normalizePriority(tt.raw); got != tt.want {
			t.Errorf("normalizePriority(%v) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSuggestRepliesTruncatesAndCaps(t *testing.T) {
	long := ""
	for i := 0; i < 600; i++ {
		long += "a"
	}
	inf := &fakeInference{responses: []string{
		`{"replies":["Sounds good","` + long + `","Thanks!","Will do","Not now","extra"]}`,
	}}
	c := newTestClassifier(inf)

	replies := c.SuggestReplies(context.Background(), &domain.Message{ID: "m1"}, "body", "")
	if len(replies) != maxReplySuggestions {
		t.Fatalf("expected %d replies, got %d", maxReplySuggestions, len(replies))
	}
	if len(replies[1]) != maxReplyLength {
		t.Errorf("expected truncation to %d chars, got %d", maxReplyLength, len(replies[1]))
	}
}

func TestSuggestRepliesParseFailureIsEmpty(t *testing.T) {
	inf := &fakeInference{responses: []string{"not json"}}
	c := newTestClassifier(inf)

	replies := c.SuggestReplies(context.Background(), &domain.Message{ID: "m1"}, "body", "")
	if replies != nil {
		t.Errorf("expected nil/empty replies on parse failure, got %v", replies)
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
