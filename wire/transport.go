package wire

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Transport moves messages between the hub and one observer. Implementations
// must allow Send and Recv from different goroutines.
type Transport interface {
	// Send delivers one message to the observer. It may block; the hub's
	// per-connection queue absorbs slow transports.
	Send(Message) error
	// Recv blocks for the observer's next message. Any error detaches the
	// connection; io.EOF is the clean end.
	Recv() (Message, error)
	Close() error
}

// kindMalformed is synthesized by transports for inbound bytes that do not
// decode. The hub answers it with a protocol_error and keeps the connection
// open. Observers never send it themselves.
const kindMalformed Kind = "malformed"

// Pipe returns two cross-connected in-process transports: attach one side to
// the hub and drive the other as the observer. Closing either side ends
// both.
func Pipe(buffer int) (Transport, Transport) {
	if buffer <= 0 {
		buffer = 64
	}
	p := &pipe{
		aToB: make(chan Message, buffer),
		bToA: make(chan Message, buffer),
		done: make(chan struct{}),
	}
	return &pipeEnd{p: p, send: p.aToB, recv: p.bToA},
		&pipeEnd{p: p, send: p.bToA, recv: p.aToB}
}

type pipe struct {
	aToB chan Message
	bToA chan Message
	done chan struct{}
	once sync.Once
}

type pipeEnd struct {
	p    *pipe
	send chan Message
	recv chan Message
}

func (e *pipeEnd) Send(m Message) error {
	// A closed pipe errors even when buffer space remains.
	select {
	case <-e.p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.send <- m:
		return nil
	case <-e.p.done:
		return io.ErrClosedPipe
	}
}

func (e *pipeEnd) Recv() (Message, error) {
	// Drain buffered messages before honoring close.
	select {
	case m := <-e.recv:
		return m, nil
	default:
	}
	select {
	case m := <-e.recv:
		return m, nil
	case <-e.p.done:
		return Message{}, io.EOF
	}
}

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}

// StreamTransport frames messages as newline-delimited JSON over a byte
// stream (stdio, pipes, sockets).
type StreamTransport struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	closers []io.Closer
}

// NewStreamTransport wraps a reader/writer pair. When either implements
// io.Closer it is closed with the transport.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{
		r: bufio.NewReader(r),
		w: bufio.NewWriter(w),
	}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := w.(io.Closer); ok && c != any(r) {
		t.closers = append(t.closers, c)
	}
	return t
}

func (t *StreamTransport) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *StreamTransport) Recv() (Message, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(trimNewline(line)) > 0 {
				// A final record without its newline may still be
				// complete JSON.
				var m Message
				if jerr := json.Unmarshal(trimNewline(line), &m); jerr == nil {
					return m, nil
				}
			}
			return Message{}, err
		}
		line = trimNewline(line)
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{
				Class: ClassCommand,
				Kind:  kindMalformed,
				Data:  map[string]interface{}{"error": err.Error()},
			}, nil
		}
		return m, nil
	}
}

func (t *StreamTransport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
