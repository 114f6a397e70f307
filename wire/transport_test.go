package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamTransportRoundTrip(t *testing.T) {
	toB := new(bytes.Buffer)
	a := NewStreamTransport(strings.NewReader(""), toB)

	msg := Event(KindTextDelta, map[string]interface{}{"text": "hello"})
	msg.Seq = 7
	msg.AgentID = "root"
	msg.TurnID = "t1"
	msg.Step = 2
	require.NoError(t, a.Send(msg))

	b := NewStreamTransport(bytes.NewReader(toB.Bytes()), io.Discard)
	got, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, KindTextDelta, got.Kind)
	require.Equal(t, ClassEvent, got.Class)
	require.Equal(t, uint64(7), got.Seq)
	require.Equal(t, "root", got.AgentID)
	require.Equal(t, "t1", got.TurnID)
	require.Equal(t, 2, got.Step)
	require.Equal(t, "hello", got.Data["text"])
}

func TestStreamTransportMalformedLineSynthesized(t *testing.T) {
	in := strings.NewReader("this is not json\n" + `{"v":1,"class":"command","kind":"cancel","ts":"2026-08-21T00:00:00Z"}` + "\n")
	tr := NewStreamTransport(in, io.Discard)

	m, err := tr.Recv()
	require.NoError(t, err)
	require.Equal(t, kindMalformed, m.Kind)
	require.Equal(t, ClassCommand, m.Class)

	m, err = tr.Recv()
	require.NoError(t, err)
	require.Equal(t, KindCancel, m.Kind)
}

func TestStreamTransportPartialFinalRecord(t *testing.T) {
	// A complete JSON object missing its trailing newline is still read.
	in := strings.NewReader(`{"v":1,"class":"command","kind":"cancel","ts":"2026-08-21T00:00:00Z"}`)
	tr := NewStreamTransport(in, io.Discard)

	m, err := tr.Recv()
	require.NoError(t, err)
	require.Equal(t, KindCancel, m.Kind)

	_, err = tr.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamTransportTruncatedFinalRecord(t *testing.T) {
	// Half a record at EOF is unreadable and reported as EOF, not a panic.
	in := strings.NewReader(`{"v":1,"class":"comm`)
	tr := NewStreamTransport(in, io.Discard)

	_, err := tr.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamTransportSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"v":1,"class":"command","kind":"cancel","ts":"2026-08-21T00:00:00Z"}` + "\n")
	tr := NewStreamTransport(in, io.Discard)

	m, err := tr.Recv()
	require.NoError(t, err)
	require.Equal(t, KindCancel, m.Kind)
}

func TestPipeDrainsBufferedBeforeEOF(t *testing.T) {
	a, b := Pipe(8)
	require.NoError(t, a.Send(Event(KindTextDelta, nil)))
	require.NoError(t, a.Send(Event(KindTurnEnd, nil)))
	require.NoError(t, a.Close())

	m, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, KindTextDelta, m.Kind)
	m, err = b.Recv()
	require.NoError(t, err)
	require.Equal(t, KindTurnEnd, m.Kind)
	_, err = b.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestPipeCloseUnblocksReceiver(t *testing.T) {
	a, b := Pipe(1)
	errc := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver stayed blocked after close")
	}

	require.ErrorIs(t, a.Send(Event(KindTextDelta, nil)), io.ErrClosedPipe)
}

func TestMinVersionFor(t *testing.T) {
	require.Equal(t, 1, MinVersionFor(KindTextDelta))
	require.Equal(t, 1, MinVersionFor(KindGap))
	require.Equal(t, 2, MinVersionFor(KindReasoningDelta))
	require.Equal(t, 2, MinVersionFor(KindAgentSpawned))
	require.False(t, Event(KindAgentFinished, nil).VisibleAt(1))
	require.True(t, Event(KindAgentFinished, nil).VisibleAt(2))
}
