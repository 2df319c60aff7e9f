package ai

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultQueryTimeout bounds one query when the provider config does not
// set its own.
const DefaultQueryTimeout = 30 * time.Minute

// LineParser converts one stdout line into chunks. Unparseable or
// irrelevant lines return nil. A returned result chunk ends the stream.
type LineParser func(line []byte) []*Chunk

// SessionErrorMatcher reports whether subprocess stderr indicates a stale
// resume session, so the caller can map it to ErrSessionNotFound.
type SessionErrorMatcher func(stderr string) bool

// ProcStream runs an assistant CLI and parses its line-delimited JSON
// stdout into chunks. It is the shared backbone of the CLI providers.
type ProcStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *strings.Builder
	parse   LineParser
	stale   SessionErrorMatcher

	mu      sync.Mutex
	pending []*Chunk
	done    bool
	waited  bool
	waitErr error
}

// StartProc launches the command and returns a stream over its output.
// The command's working directory and arguments must already be set; cwd
// and timeout come from the provider.
func StartProc(ctx context.Context, name string, args []string, cwd string, timeout time.Duration, parse LineParser, stale SessionErrorMatcher) (*ProcStream, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if strings.Contains(err.Error(), "executable file not found") {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	// Assistant events can carry whole file contents in tool input.
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	return &ProcStream{
		cmd:     cmd,
		cancel:  cancel,
		scanner: scanner,
		stderr:  &stderr,
		parse:   parse,
		stale:   stale,
	}, nil
}

// Next returns the next chunk, io.EOF after the result chunk, or an error.
// A process that dies without emitting a result surfaces its exit error,
// mapped to ErrSessionNotFound when stderr matches the stale-session
// pattern.
func (s *ProcStream) Next() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			if chunk.Type == ChunkResult {
				s.done = true
			}
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}

		if !s.scanner.Scan() {
			return nil, s.finish()
		}
		line := s.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		s.pending = append(s.pending, s.parse(line)...)
	}
}

// finish reaps the process after stdout closed without a result chunk.
func (s *ProcStream) finish() error {
	s.done = true
	if scanErr := s.scanner.Err(); scanErr != nil {
		_ = s.wait()
		return fmt.Errorf("failed to read assistant output: %w", scanErr)
	}
	if err := s.wait(); err != nil {
		stderr := strings.TrimSpace(s.stderr.String())
		if s.stale != nil && s.stale(stderr) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, stderr)
		}
		if stderr != "" {
			return fmt.Errorf("assistant exited: %w: %s", err, stderr)
		}
		return fmt.Errorf("assistant exited: %w", err)
	}
	return io.EOF
}

func (s *ProcStream) wait() error {
	if !s.waited {
		s.waited = true
		s.waitErr = s.cmd.Wait()
		s.cancel()
	}
	return s.waitErr
}

// Close terminates the process if it is still running.
func (s *ProcStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.cancel()
	_ = s.wait()
	return nil
}

var _ Stream = (*ProcStream)(nil)
