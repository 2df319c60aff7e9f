package repoclone

import "testing"

func TestCloneURL(t *testing.T) {
	tests := []struct {
		name     string
		owner    string
		repo     string
		protocol string
		want     string
	}{
		{
			"SSH",
			"owner", "repo", ProtocolSSH,
			"git@github.com:owner/repo.git",
		},
		{
			"HTTPS",
			"owner", "repo", ProtocolHTTPS,
			"https://github.com/owner/repo.git",
		},
		{
			"unknown protocol falls back to SSH",
			"owner", "repo", "",
			"git@github.com:owner/repo.git",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CloneURL(tt.owner, tt.repo, tt.protocol)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectGitProtocol(t *testing.T) {
	got := DetectGitProtocol()
	if got != ProtocolSSH {
		t.Errorf("expected %q, got %q", ProtocolSSH, got)
	}
}
