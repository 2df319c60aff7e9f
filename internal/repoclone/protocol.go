package repoclone

import "fmt"

// ProtocolSSH is the SSH git protocol.
const ProtocolSSH = "ssh"

// ProtocolHTTPS is the HTTPS git protocol.
const ProtocolHTTPS = "https"

// DetectGitProtocol returns the user's preferred git clone protocol.
// Currently returns "ssh" unconditionally. In the future this may be
// configurable or auto-detected from gh CLI / SSH config.
func DetectGitProtocol() string {
	return ProtocolSSH
}

// CloneURL builds a GitHub clone URL for a bare owner/name pair.
// For SSH: git@github.com:{owner}/{name}.git
// For HTTPS: https://github.com/{owner}/{name}.git
func CloneURL(owner, name, protocol string) string {
	if protocol == ProtocolHTTPS {
		return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
	}
	return fmt.Sprintf("git@github.com:%s/%s.git", owner, name)
}
