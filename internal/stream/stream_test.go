package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Handler that writes one line per event.
type recorder struct {
	lines  []string
	failOn Type
}

func (r *recorder) add(seq uint64, t Type, s string) error {
	r.lines = append(r.lines, fmt.Sprintf("%d %s %s", seq, t, s))
	if t == r.failOn {
		return errors.New("handler failed")
	}
	return nil
}

func (r *recorder) Thinking(seq uint64, b Thinking) error {
	return r.add(seq, TypeThinking, b.Kind+":"+b.Token)
}
func (r *recorder) Token(seq uint64, b Token) error { return r.add(seq, TypeToken, b.Text) }
func (r *recorder) ToolCall(seq uint64, b ToolCall) error {
	return r.add(seq, TypeToolCall, b.ID+" "+b.Name+" "+b.ArgsSummary)
}
func (r *recorder) ToolResult(seq uint64, b ToolResult) error {
	return r.add(seq, TypeToolResult, b.ID+" "+b.Payload)
}
func (r *recorder) Observation(seq uint64, b Observation) error {
	return r.add(seq, TypeObservation, b.ID+" "+b.Text)
}
func (r *recorder) RAGContext(seq uint64, b RAGContext) error {
	return r.add(seq, TypeRAGContext, fmt.Sprint(len(b.Chunks)))
}
func (r *recorder) Done(seq uint64, b Done) error {
	return r.add(seq, TypeDone, fmt.Sprintf("iterations=%d truncated=%v", b.Iterations, b.Truncated))
}
func (r *recorder) Error(seq uint64, b Error) error { return r.add(seq, TypeError, b.Message) }

func TestEmitOrderAndSequence(t *testing.T) {
	s := New(16)
	bodies := []Body{
		RAGContext{Chunks: []Chunk{{Text: "ctx", Source: "doc", Score: 0.9}}},
		Thinking{Token: "hmm", Kind: "reasoning"},
		Token{Text: "Hel"},
		Token{Text: "lo"},
		ToolCall{ID: "c1", Name: "list_x", ArgsSummary: "{}"},
		ToolResult{ID: "c1", Payload: "x-1"},
		Observation{ID: "c1", Text: "x-1"},
		Done{Iterations: 2},
	}
	for _, b := range bodies {
		require.NoError(t, s.Emit(b))
	}

	var got []Event
	for evt := range s.Events() {
		got = append(got, evt)
	}
	require.Len(t, got, len(bodies))
	for i, evt := range got {
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, bodies[i], evt.Body)
		assert.False(t, evt.At.IsZero())
	}
	assert.True(t, s.Finished())
	assert.Equal(t, uint64(len(bodies)), s.Seq())
}

func TestTerminatedExactlyOnce(t *testing.T) {
	tests := []struct {
		name     string
		terminal Body
	}{
		{"done", Done{Iterations: 1}},
		{"error", Error{Message: "model unreachable", Kind: "ModelError"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(4)
			require.NoError(t, s.Emit(Token{Text: "a"}))
			require.NoError(t, s.Emit(tt.terminal))

			assert.ErrorIs(t, s.Emit(Token{Text: "late"}), ErrFinished)
			assert.ErrorIs(t, s.Emit(Done{}), ErrFinished)

			var n int
			for range s.Events() {
				n++
			}
			assert.Equal(t, 2, n)
		})
	}
}

func TestEmitBlocksUntilConsumed(t *testing.T) {
	s := New(0)
	emitted := make(chan error, 1)
	go func() { emitted <- s.Emit(Token{Text: "x"}) }()

	select {
	case <-emitted:
		t.Fatal("Emit returned before the consumer read")
	case <-time.After(20 * time.Millisecond):
	}

	evt := <-s.Events()
	assert.Equal(t, Token{Text: "x"}, evt.Body)
	require.NoError(t, <-emitted)
}

func TestSeqAndFinishedDoNotWaitOnBlockedEmit(t *testing.T) {
	s := New(0)
	go func() { <-s.Events() }()
	require.NoError(t, s.Emit(Token{Text: "first"}))

	emitted := make(chan error, 1)
	go func() { emitted <- s.Emit(Done{Iterations: 1}) }()
	time.Sleep(20 * time.Millisecond)

	read := make(chan struct{})
	go func() {
		assert.Equal(t, uint64(1), s.Seq())
		assert.False(t, s.Finished())
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("Seq/Finished blocked behind a pending Emit")
	}

	evt := <-s.Events()
	assert.Equal(t, uint64(2), evt.Seq)
	require.NoError(t, <-emitted)
	assert.Equal(t, uint64(2), s.Seq())
	assert.True(t, s.Finished())
}

func TestDetachUnblocksProducer(t *testing.T) {
	s := New(0)
	emitted := make(chan error, 1)
	go func() { emitted <- s.Emit(Token{Text: "never read"}) }()

	time.Sleep(10 * time.Millisecond)
	s.Detach()
	s.Detach()

	select {
	case err := <-emitted:
		assert.ErrorIs(t, err, ErrDetached)
	case <-time.After(time.Second):
		t.Fatal("Emit still blocked after Detach")
	}
	assert.ErrorIs(t, s.Err(), ErrDetached)
	assert.ErrorIs(t, s.Emit(Done{}), ErrDetached)
	assert.Equal(t, uint64(0), s.Seq())

	select {
	case <-s.Detached():
	default:
		t.Error("Detached channel not closed")
	}
}

func TestConsume(t *testing.T) {
	s := New(0)
	go func() {
		_ = s.Emit(Thinking{Token: "plan", Kind: "reasoning"})
		_ = s.Emit(ToolCall{ID: "c1", Name: "echo", ArgsSummary: `{"message":"hi"}`})
		_ = s.Emit(ToolResult{ID: "c1", Payload: "echo: hi"})
		_ = s.Emit(Observation{ID: "c1", Text: "echo: hi"})
		_ = s.Emit(Token{Text: "done"})
		_ = s.Emit(Done{Iterations: 2})
	}()

	rec := &recorder{}
	require.NoError(t, Consume(context.Background(), s, rec))
	assert.Equal(t, []string{
		"1 thinking reasoning:plan",
		`2 tool_call c1 echo {"message":"hi"}`,
		"3 tool_result c1 echo: hi",
		"4 observation c1 echo: hi",
		"5 token done",
		"6 done iterations=2 truncated=false",
	}, rec.lines)
	assert.NoError(t, s.Err())
}

func TestConsume_HandlerFailureDetaches(t *testing.T) {
	s := New(0)
	errc := make(chan error, 3)
	go func() {
		errc <- s.Emit(Token{Text: "a"})
		errc <- s.Emit(ToolCall{ID: "c1", Name: "x"})
		errc <- s.Emit(Token{Text: "b"})
	}()

	err := Consume(context.Background(), s, &recorder{failOn: TypeToolCall})
	require.Error(t, err)
	assert.NoError(t, <-errc)
	assert.NoError(t, <-errc)
	assert.ErrorIs(t, <-errc, ErrDetached)
}

func TestConsume_ContextCancelDetaches(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Consume(ctx, s, &recorder{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Err(), ErrDetached)
}

func TestEventMarshalJSON(t *testing.T) {
	evt := Event{
		Seq:  3,
		At:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Body: ToolCall{ID: "c1", Name: "get_y_detail", ArgsSummary: `{"id":"missing"}`},
	}
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, float64(3), got["seq"])
	assert.Equal(t, "tool_call", got["type"])
	assert.Equal(t, "2025-06-01T12:00:00Z", got["at"])
	assert.Equal(t, map[string]any{
		"id":           "c1",
		"name":         "get_y_detail",
		"args_summary": `{"id":"missing"}`,
	}, got["data"])

	data, err = json.Marshal(Event{Seq: 9, Body: Done{Iterations: 3, Truncated: true, Reason: "iteration limit"}})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"truncated":true`))
}

func TestDispatchCoversEveryType(t *testing.T) {
	bodies := []Body{
		Thinking{}, Token{}, ToolCall{}, ToolResult{}, Observation{}, RAGContext{}, Done{}, Error{},
	}
	rec := &recorder{}
	for i, b := range bodies {
		require.NoError(t, Dispatch(Event{Seq: uint64(i + 1), Body: b}, rec))
	}
	require.Len(t, rec.lines, len(bodies))
	for i, b := range bodies {
		assert.Contains(t, rec.lines[i], string(b.Type()))
	}
}
