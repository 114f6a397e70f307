package wire

import (
	"sync"
	"time"

	"github.com/yumesha/kimi-cli/metrics"
)

// ConnState tracks where a connection is in its lifecycle.
type ConnState string

const (
	StateConnecting  ConnState = "connecting"
	StateInitialized ConnState = "initialized"
	StateStreaming   ConnState = "streaming"
	StateReplaying   ConnState = "replaying"
	StateClosed      ConnState = "closed"
)

// Conn is one observer connection. Outbound messages go through a bounded
// queue drained by a pump goroutine, so a slow transport never blocks the
// hub. Overflow drops the oldest queued message; the drop is surfaced to the
// observer as a synthetic gap marker at the position of the loss.
type Conn struct {
	ID        string
	hub       *Hub
	transport Transport

	mu          sync.Mutex
	state       ConnState
	version     int
	queue       []Message
	dropped     uint64
	droppedFrom uint64
	droppedTo   uint64

	signal chan struct{}
	closed chan struct{}
	once   sync.Once
	max    int
}

// State returns the connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the negotiated protocol version, 0 before initialize.
func (c *Conn) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// push enqueues one outbound message, dropping the oldest on overflow.
func (c *Conn) push(m Message) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.max {
		victim := c.queue[0]
		c.queue = c.queue[1:]
		c.dropped++
		if c.droppedFrom == 0 {
			c.droppedFrom = victim.Seq
		}
		c.droppedTo = victim.Seq
		metrics.WireDropped.Inc()
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// clearQueue empties the outbound queue and any pending drop accounting.
// Used when a replay is about to re-deliver the same span.
func (c *Conn) clearQueue() {
	c.mu.Lock()
	c.queue = nil
	c.dropped, c.droppedFrom, c.droppedTo = 0, 0, 0
	c.mu.Unlock()
}

// take swaps out the queued batch. When drops happened since the last take,
// it also returns the gap marker that must precede the batch.
func (c *Conn) take() ([]Message, *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var gap *Message
	if c.dropped > 0 {
		g := Event(KindGap, map[string]interface{}{
			"dropped":  c.dropped,
			"from_seq": c.droppedFrom,
			"to_seq":   c.droppedTo,
		})
		g.TS = time.Now()
		gap = &g
		c.dropped, c.droppedFrom, c.droppedTo = 0, 0, 0
	}
	batch := c.queue
	c.queue = nil
	return batch, gap
}

// pump drains the queue to the transport until the connection closes. A
// transport error detaches the connection.
func (c *Conn) pump() {
	for {
		select {
		case <-c.signal:
			if err := c.drain(); err != nil {
				c.hub.detach(c, err)
				return
			}
		case <-c.closed:
			_ = c.drain()
			_ = c.transport.Close()
			return
		}
	}
}

func (c *Conn) drain() error {
	for {
		batch, gap := c.take()
		if gap == nil && len(batch) == 0 {
			return nil
		}
		if gap != nil {
			if err := c.transport.Send(*gap); err != nil {
				return err
			}
		}
		for _, m := range batch {
			if err := c.transport.Send(m); err != nil {
				return err
			}
		}
	}
}

// close marks the connection closed and wakes the pump for a final drain.
func (c *Conn) close() {
	c.once.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
	})
}
