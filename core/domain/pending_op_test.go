package domain

import "testing"

func TestOppositeOf(t *testing.T) {
	tests := []struct {
		name     string
		kind     OperationKind
		wantOp   OperationKind
		wantOK   bool
	}{
		{"mark_read opposes mark_unread", OpMarkRead, OpMarkUnread, true},
		{"mark_unread opposes mark_read", OpMarkUnread, OpMarkRead, true},
		{"trash opposes restore", OpTrash, OpRestore, true},
		{"restore opposes trash", OpRestore, OpTrash, true},
		{"delete has no opposite", OpDelete, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := OppositeOf(tt.kind)
			if ok != tt.wantOK {
				t.Fatalf("OppositeOf(%s) ok = %v, want %v", tt.kind, ok, tt.wantOK)
			}
			if ok && got != tt.wantOp {
				t.Errorf("OppositeOf(%s) = %s, want %s", tt.kind, got, tt.wantOp)
			}
		})
	}
}
