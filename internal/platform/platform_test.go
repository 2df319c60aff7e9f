package platform

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage_ShortPassthrough(t *testing.T) {
	parts := SplitMessage("hello", 100)
	assert.Equal(t, []string{"hello"}, parts)
}

func TestSplitMessage_ParagraphBoundaries(t *testing.T) {
	msg := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40) + "\n\n" + strings.Repeat("c", 40)
	parts := SplitMessage(msg, 100)

	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 40)+"\n\n"+strings.Repeat("b", 40), parts[0])
	assert.Equal(t, strings.Repeat("c", 40), parts[1])
}

func TestSplitMessage_LineFallback(t *testing.T) {
	// One paragraph over the limit made of short lines.
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = strings.Repeat("x", 30)
	}
	msg := strings.Join(lines, "\n")
	parts := SplitMessage(msg, 100)

	assert.Greater(t, len(parts), 1)
	for _, part := range parts {
		assert.LessOrEqual(t, len(part), 100)
	}
	// Nothing lost.
	assert.Equal(t, strings.ReplaceAll(msg, "\n", ""), strings.ReplaceAll(strings.Join(parts, ""), "\n", ""))
}

func TestSplitMessage_HardWrapLongLine(t *testing.T) {
	msg := strings.Repeat("z", 250)
	parts := SplitMessage(msg, 100)

	require.Len(t, parts, 3)
	assert.Equal(t, 100, len(parts[0]))
	assert.Equal(t, 100, len(parts[1]))
	assert.Equal(t, 50, len(parts[2]))
}

func TestThreadName_Truncation(t *testing.T) {
	name := ThreadName(strings.Repeat("m", 150))
	assert.Equal(t, MaxThreadNameLength, len(name))
	assert.True(t, strings.HasSuffix(name, "..."))
}

func TestThreadName_FirstLineOnly(t *testing.T) {
	assert.Equal(t, "fix the login bug", ThreadName("fix the   login bug\nwith details below"))
	assert.Equal(t, "conversation", ThreadName("   \n"))
}

func TestAllowlist(t *testing.T) {
	open := NewAllowlist(nil)
	assert.True(t, open.Allowed("anyone"))

	closed := NewAllowlist([]string{"alice", "bob"})
	assert.True(t, closed.Allowed("alice"))
	assert.False(t, closed.Allowed("mallory"))
}

type stubAdapter struct {
	typ Type
}

func (s *stubAdapter) SendMessage(context.Context, string, string) error { return nil }
func (s *stubAdapter) StreamingMode() StreamingMode                      { return ModeStream }
func (s *stubAdapter) PlatformType() Type                                { return s.typ }
func (s *stubAdapter) EnsureThread(_ context.Context, id string, _ *ThreadContext) (string, error) {
	return id, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{typ: TypeTest})
	reg.Register(&stubAdapter{typ: TypeDiscord})

	adapter, err := reg.Get(TypeTest)
	require.NoError(t, err)
	assert.Equal(t, TypeTest, adapter.PlatformType())

	_, err = reg.Get(TypeSlack)
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	assert.Equal(t, []Type{TypeDiscord, TypeTest}, reg.Types())
}
