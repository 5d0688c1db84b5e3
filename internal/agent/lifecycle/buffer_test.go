package lifecycle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestStderrBuffer_TailReturnsNewestLines(t *testing.T) {
	b := NewStderrBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Add(fmt.Sprintf("line %d", i))
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, b.Tail(3))
	assert.Equal(t, []string{"line 5"}, b.Tail(1))
}

func TestStderrBuffer_TailLargerThanContents(t *testing.T) {
	b := NewStderrBuffer(10)
	b.Add("only")
	assert.Equal(t, []string{"only"}, b.Tail(5))
}

func TestStderrBuffer_SubscribeReceivesFutureLines(t *testing.T) {
	b := NewStderrBuffer(10)
	b.Add("before")

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Add("after")
	assert.Equal(t, "after", <-ch)
}

func TestStderrBuffer_CancelIsIdempotent(t *testing.T) {
	b := NewStderrBuffer(10)
	_, cancel := b.Subscribe()
	cancel()
	cancel()

	// Dropped subscriber must not block or panic the writer.
	b.Add("line")
}

func TestStderrBuffer_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewStderrBuffer(10)
	_, cancel := b.Subscribe()
	defer cancel()

	// Channel capacity is 100; overflow past it must not stall Add.
	for i := 0; i < 250; i++ {
		b.Add("spam")
	}
	assert.Equal(t, 10, b.Len())
}
