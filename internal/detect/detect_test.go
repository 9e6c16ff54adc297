package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccept_EmptyIsIgnored(t *testing.T) {
	res := Accept("", StreamState{})
	assert.False(t, res.ShouldEmit)
	assert.Equal(t, StreamState{}, res.State)
}

func TestAccept_FirstSnapshotEmits(t *testing.T) {
	res := Accept("hello", StreamState{})
	require.True(t, res.ShouldEmit)
	assert.True(t, res.State.HasSignature)
	assert.Equal(t, 5, res.State.LastLength)
	assert.Equal(t, Signature("hello"), res.State.LastSignature)
	assert.False(t, res.IsStreaming)
}

func TestAccept_Idempotent(t *testing.T) {
	first := Accept("same text", StreamState{})
	require.True(t, first.ShouldEmit)

	second := Accept("same text", first.State)
	assert.False(t, second.ShouldEmit)
	assert.Equal(t, first.State, second.State)
}

func TestAccept_StreamingAfterTwoGrowths(t *testing.T) {
	s := Accept("The", StreamState{}).State

	r1 := Accept("The answer", s)
	assert.True(t, r1.ShouldEmit)
	assert.False(t, r1.IsStreaming, "one growth is not streaming yet")

	r2 := Accept("The answer is", r1.State)
	assert.True(t, r2.ShouldEmit)
	assert.True(t, r2.IsStreaming)

	r3 := Accept("The answer is 42", r2.State)
	assert.True(t, r3.IsStreaming)
	assert.Equal(t, 3, r3.State.GrowthCount)
}

func TestAccept_SettleFlushesOnce(t *testing.T) {
	s := StreamState{}
	for _, text := range []string{"a", "ab", "abc"} {
		s = Accept(text, s).State
	}
	require.True(t, s.IsStreaming)

	flush := Accept("abc", s)
	assert.True(t, flush.ShouldEmit, "settle must force a final emit")
	assert.True(t, flush.Flushed)
	assert.False(t, flush.IsStreaming)
	assert.Equal(t, 0, flush.State.GrowthCount)

	after := Accept("abc", flush.State)
	assert.False(t, after.ShouldEmit)
	assert.False(t, after.Flushed)
}

func TestAccept_ShrinkEndsStreaming(t *testing.T) {
	s := StreamState{}
	for _, text := range []string{"draft", "draft one", "draft one two"} {
		s = Accept(text, s).State
	}
	require.True(t, s.IsStreaming)

	res := Accept("rewritten", s)
	assert.True(t, res.ShouldEmit)
	assert.False(t, res.IsStreaming)
	assert.Equal(t, 0, res.State.GrowthCount)
}

func TestAccept_SameLengthEditResetsGrowth(t *testing.T) {
	s := Accept("abc", StreamState{}).State
	s = Accept("abcd", s).State
	require.Equal(t, 1, s.GrowthCount)

	res := Accept("abce", s)
	assert.True(t, res.ShouldEmit)
	assert.Equal(t, 0, res.State.GrowthCount)
}

func TestAccept_EmptyWhileStreamingKeepsState(t *testing.T) {
	s := StreamState{}
	for _, text := range []string{"a", "ab", "abc"} {
		s = Accept(text, s).State
	}
	res := Accept("", s)
	assert.False(t, res.ShouldEmit)
	assert.True(t, res.IsStreaming)
	assert.Equal(t, s, res.State)
}

func TestSignatureOrderSensitive(t *testing.T) {
	assert.NotEqual(t, Signature("ab"), Signature("ba"))
	assert.Equal(t, Signature("ab"), Signature("ab"))
}

func TestCadenceInterval(t *testing.T) {
	c := Cadence{Streaming: 100 * time.Millisecond, Steady: 2 * time.Second}
	assert.Equal(t, 100*time.Millisecond, c.Interval(StreamState{IsStreaming: true}))
	assert.Equal(t, 2*time.Second, c.Interval(StreamState{}))

	var zero Cadence
	assert.Equal(t, DefaultCadence.Streaming, zero.Interval(StreamState{IsStreaming: true}))
	assert.Equal(t, DefaultCadence.Steady, zero.Interval(StreamState{}))
}
