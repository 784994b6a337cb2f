package imapprovider

import (
	"testing"

	"mailsync/core/domain"
)

func TestNormalizeFolderName(t *testing.T) {
	tests := []struct {
		imapFolder string
		want       domain.LogicalFolder
	}{
		{"INBOX", domain.FolderInbox},
		{"inbox", domain.FolderInbox},
		{"INBOX.Sent", domain.FolderSent},
		{"Sent Items", domain.FolderSent},
		{"Sent Mail", domain.FolderSent},
		{"Sent Messages", domain.FolderSent},
		{"INBOX.Drafts", domain.FolderDrafts},
		{"Drafts", domain.FolderDrafts},
		{"INBOX.Trash", domain.FolderTrash},
		{"Trash", domain.FolderTrash},
		{"Deleted Items", domain.FolderTrash},
		{"Deleted Messages", domain.FolderTrash},
		{"Archive", domain.FolderArchive},
		{"All Mail", domain.FolderArchive},
		{"Some Custom Label", domain.LogicalFolder("Some Custom Label")},
	}
	for _, tt := range tests {
		t.Run(tt.imapFolder, func(t *testing.T) {
			if got := normalizeFolderName(tt.imapFolder); got != tt.want {
				t.Errorf("normalizeFolderName(%q) = %q, want %q", tt.imapFolder, got, tt.want)
			}
		})
	}
}

func TestParseMessageIDRoundTrip(t *testing.T) {
	folder, uid, err := parseMessageID("acct1:INBOX:42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if folder != "INBOX" || uid != 42 {
		t.Errorf("got folder=%q uid=%d, want folder=INBOX uid=42", folder, uid)
	}
}

func TestParseMessageIDMalformed(t *testing.T) {
	tests := []string{"", "only-one-part", "acct1:INBOX", "acct1:INBOX:not-a-number"}
	for _, id := range tests {
		if _, _, err := parseMessageID(id); err == nil {
			t.Errorf("parseMessageID(%q): expected an error", id)
		}
	}
}

func TestParseMessageIDExtraColonInUIDSegmentFails(t *testing.T) {
	// SplitN(id, ":", 3) only ever splits the first two colons; a nested
	// folder name leaks into the would-be UID segment and fails to parse
	// as a number.
	if _, _, err := parseMessageID("acct1:INBOX:Sub:99"); err == nil {
		t.Error("expected an error when the id has more than two colons")
	}
}

func TestHasFlag(t *testing.T) {
	flags := []string{"\\Seen", "\\Flagged", "Keyword/Work"}
	if !hasFlag(flags, "\\seen") {
		t.Error("expected hasFlag to match case-insensitively")
	}
	if !hasFlag(flags, "\\Flagged") {
		t.Error("expected exact match to succeed")
	}
	if hasFlag(flags, "\\Answered") {
		t.Error("expected no match for an absent flag")
	}
	if hasFlag(nil, "\\Seen") {
		t.Error("expected no match against a nil flag set")
	}
}

func TestKeywordTags(t *testing.T) {
	flags := []string{"\\Seen", "AI/Finance", "AI/ToDo", "\\Flagged", "Other/Ignored"}
	got := keywordTags(flags, "AI/")
	want := []string{"Finance", "ToDo"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestKeywordTagsNoMatches(t *testing.T) {
	got := keywordTags([]string{"\\Seen", "\\Flagged"}, "AI/")
	if len(got) != 0 {
		t.Errorf("expected no tags, got %v", got)
	}
}

func TestDecodeWithFallbackValidUTF8(t *testing.T) {
	in := []byte("hello, éclair")
	if got := decodeWithFallback(in); got != string(in) {
		t.Errorf("expected valid UTF-8 to pass through unchanged, got %q", got)
	}
}

func TestDecodeWithFallbackLatin1(t *testing.T) {
	// 0xE9 is 'é' in ISO-8859-1/Windows-1252 but is not valid standalone UTF-8.
	in := []byte{'c', 0xE9, 'd'}
	got := decodeWithFallback(in)
	if got == string(in) {
		t.Error("expected invalid UTF-8 input to be recoded, not passed through raw")
	}
	if got != "céd" {
		t.Errorf("expected Latin-1 fallback decoding, got %q", got)
	}
}
