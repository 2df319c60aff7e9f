package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/platform"
)

// DefaultPollInterval is used when the config does not set one.
const DefaultPollInterval = 60 * time.Second

// seenTTL bounds the de-duplication window. Comments can only reappear
// while the since cursor still covers them, so anything older than a few
// poll windows is safe to forget.
const seenTTL = time.Hour

// Poller watches configured repositories for new issue and PR comments and
// dispatches them as inbound messages. The bot's own comments are skipped,
// as is anyone the allow-list rejects.
type Poller struct {
	client   *Client
	adapter  *Adapter
	handler  platform.Handler
	repos    []string // owner/repo
	interval time.Duration
	log      *logger.Logger

	lastPoll time.Time
	seen     map[int64]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPoller creates a poller over owner/repo names.
func NewPoller(client *Client, adapter *Adapter, handler platform.Handler, repos []string, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   client,
		adapter:  adapter,
		handler:  handler,
		repos:    repos,
		interval: interval,
		log:      log,
		lastPoll: time.Now().UTC(),
		seen:     make(map[int64]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins polling until Stop.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
	p.log.WithPlatform(string(platform.TypeGitHub)).
		Info("GitHub poller started", zap.Strings("repos", p.repos), zap.Duration("interval", p.interval))
}

// Stop ends polling and waits for the loop to exit.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) pollOnce(ctx context.Context) {
	since := p.lastPoll
	p.lastPoll = time.Now().UTC()
	p.pruneSeen(p.lastPoll)

	botUser, err := p.client.AuthenticatedUser(ctx)
	if err != nil {
		p.log.WithError(err).Warn("GitHub poll skipped: cannot resolve bot user")
		return
	}

	for _, repoName := range p.repos {
		owner, repo, ok := splitRepo(repoName)
		if !ok {
			continue
		}
		comments, err := p.client.ListComments(ctx, owner, repo, since)
		if err != nil {
			p.log.WithError(err).Warn("GitHub poll failed for " + repoName)
			continue
		}
		for _, comment := range comments {
			p.dispatchComment(ctx, owner, repo, botUser, comment)
		}
	}
}

func (p *Poller) dispatchComment(ctx context.Context, owner, repo, botUser string, comment Comment) {
	if comment.User.Login == botUser {
		return
	}
	if !p.markSeen(comment.ID, time.Now().UTC()) {
		return
	}

	if !p.adapter.Allowed(ctx, comment.User.Login) {
		return
	}

	number, err := issueNumberFromURL(comment.IssueURL)
	if err != nil {
		p.log.WithError(err).Debug("Skipping comment with unparseable issue URL")
		return
	}

	msg := platform.InboundMessage{
		Platform:       platform.TypeGitHub,
		ConversationID: FormatConversationID(owner, repo, number),
		Text:           comment.Body,
	}

	issue, err := p.client.GetIssue(ctx, owner, repo, number)
	if err != nil {
		p.log.WithError(err).Debug("Failed to load issue for context")
	} else {
		// Issue context rides along for non-slash messages; the
		// orchestrator decides whether to inject it.
		if !strings.HasPrefix(strings.TrimSpace(comment.Body), "/") {
			msg.IssueContext = fmt.Sprintf("Issue #%d: %s\n\n%s", issue.Number, issue.Title, issue.Body)
		}
		if issue.IsPullRequest() {
			msg.IsPullRequest = true
			if pr, err := p.client.GetPR(ctx, owner, repo, number); err == nil {
				msg.PRBranch = pr.Head.Ref
				msg.PRSha = pr.Head.SHA
			}
		}
	}

	go p.handler.HandleInbound(ctx, msg)
}

// markSeen records a comment ID and reports whether it was new.
func (p *Poller) markSeen(id int64, now time.Time) bool {
	if _, dup := p.seen[id]; dup {
		return false
	}
	p.seen[id] = now
	return true
}

// pruneSeen drops de-duplication entries older than seenTTL so the map
// stays bounded across long-running polls.
func (p *Poller) pruneSeen(now time.Time) {
	cutoff := now.Add(-seenTTL)
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}

func splitRepo(name string) (owner, repo string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(name), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// issueNumberFromURL extracts the trailing number of an API issue URL.
func issueNumberFromURL(url string) (int, error) {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 {
		return 0, fmt.Errorf("no issue number in %q", url)
	}
	return strconv.Atoi(url[idx+1:])
}
