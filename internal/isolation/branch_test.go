package isolation

import (
	"path/filepath"
	"testing"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{
			name: "issue",
			req:  CreateRequest{WorkflowType: WorkflowIssue, Identifier: "42"},
			want: "issue-42",
		},
		{
			name: "pr without sha",
			req:  CreateRequest{WorkflowType: WorkflowPR, Identifier: "42"},
			want: "pr-42",
		},
		{
			name: "pr pinned to sha",
			req:  CreateRequest{WorkflowType: WorkflowPR, Identifier: "42", PRSha: "abc123"},
			want: "pr-42-review",
		},
		{
			name: "review",
			req:  CreateRequest{WorkflowType: WorkflowReview, Identifier: "42"},
			want: "pr-42-review",
		},
		{
			name: "task slugged",
			req:  CreateRequest{WorkflowType: WorkflowTask, Identifier: "Fix Login Bug!"},
			want: "task-fix-login-bug",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BranchName(tt.req); got != tt.want {
				t.Errorf("BranchName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBranchName_ThreadIsStable(t *testing.T) {
	req := CreateRequest{WorkflowType: WorkflowThread, Identifier: "C0123:1712345678.000100"}

	first := BranchName(req)
	second := BranchName(req)
	if first != second {
		t.Fatalf("thread branch not deterministic: %q vs %q", first, second)
	}
	if len(first) != len("thread-")+8 {
		t.Fatalf("expected 8 hash chars, got %q", first)
	}

	other := BranchName(CreateRequest{WorkflowType: WorkflowThread, Identifier: "C0123:1712345678.000101"})
	if other == first {
		t.Fatalf("distinct identifiers produced the same branch: %q", first)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix Login Bug", "fix-login-bug"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"UPPER_case.mixed", "upper-case-mixed"},
		{"already-slugged", "already-slugged"},
		{"!!!", ""},
		{"émoji ✨ test", "moji-test"},
	}

	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWorktreePath(t *testing.T) {
	got := WorktreePath("", "/workspace/myrepo", "issue-42")
	want := filepath.Join("/workspace", "worktrees", "myrepo", "issue-42")
	if got != want {
		t.Errorf("WorktreePath() = %q, want %q", got, want)
	}

	got = WorktreePath("/var/worktrees", "/workspace/myrepo", "pr-7")
	want = filepath.Join("/var/worktrees", "myrepo", "pr-7")
	if got != want {
		t.Errorf("WorktreePath() = %q, want %q", got, want)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	if got := ExpandHome("~/wt"); got != filepath.Join("/home/tester", "wt") {
		t.Errorf("ExpandHome(~/wt) = %q", got)
	}
	if got := ExpandHome("~"); got != "/home/tester" {
		t.Errorf("ExpandHome(~) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(/abs/path) = %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("ExpandHome(~user/x) = %q", got)
	}
}
