// Package session serves edge connections over WebSocket. Each binary frame is one
// protobuf-encoded RequestMsg (edge to cloud) or ResponseMsg (cloud to edge).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

var (
	// ErrAckTimeout is returned when the edge does not answer a downlink in time.
	ErrAckTimeout = errors.New("downlink ack timeout")
	// ErrClosed is returned for downlinks on a closed connection.
	ErrClosed = errors.New("session closed")
)

// UplinkHandler applies uplinks received from an edge.
type UplinkHandler interface {
	Process(ctx context.Context, edge entity.Edge, msg *wire.UplinkMsg) *wire.UplinkResponseMsg
}

// Conn is one connected edge.
type Conn struct {
	ws           *websocket.Conn
	edge         entity.Edge
	ackTimeout   time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int32]chan *wire.DownlinkResponseMsg

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, edge entity.Edge, cfg Config) *Conn {
	return &Conn{
		ws:           ws,
		edge:         edge,
		ackTimeout:   cfg.AckTimeout,
		writeTimeout: cfg.WriteTimeout,
		pending:      make(map[int32]chan *wire.DownlinkResponseMsg),
		closed:       make(chan struct{}),
	}
}

func (c *Conn) TenantID() uuid.UUID       { return c.edge.TenantID }
func (c *Conn) EdgeID() uuid.UUID         { return c.edge.ID }
func (c *Conn) Version() wire.EdgeVersion { return c.edge.Version }

// SendDownlink writes msg and waits for the edge's response. Timeouts, a closed
// connection and a negative answer are all temporary failures.
func (c *Conn) SendDownlink(ctx context.Context, msg *wire.DownlinkMsg) error {
	ch := make(chan *wire.DownlinkResponseMsg, 1)
	c.pendingMu.Lock()
	c.pending[msg.DownlinkMsgID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.DownlinkMsgID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&wire.ResponseMsg{DownlinkMsg: msg}); err != nil {
		return retry.Temporary(fmt.Errorf("failed to write downlink %d: %w", msg.DownlinkMsgID, err))
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return retry.Temporary(ErrClosed)
	case <-timer.C:
		return retry.Temporary(fmt.Errorf("%w: downlink %d", ErrAckTimeout, msg.DownlinkMsgID))
	case resp := <-ch:
		if !resp.Success {
			return retry.Temporary(fmt.Errorf("edge rejected downlink %d: %s", msg.DownlinkMsgID, resp.ErrorMsg))
		}
		return nil
	}
}

func (c *Conn) write(msg *wire.ResponseMsg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg.Marshal())
}

// resolve hands a downlink response to the waiting sender. Late answers are dropped.
func (c *Conn) resolve(resp *wire.DownlinkResponseMsg) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.DownlinkMsgID]
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("Response for unknown downlink",
			"tenant_id", c.edge.TenantID,
			"edge_id", c.edge.ID,
			"downlink_msg_id", resp.DownlinkMsgID,
		)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// uplinkQueueSize bounds uplinks read but not yet processed.
const uplinkQueueSize = 64

// readLoop serves frames until the connection fails or is closed. Uplinks are
// handed to a per-connection worker so downlink responses keep being read
// while an uplink is being applied.
func (c *Conn) readLoop(ctx context.Context, uplinks UplinkHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan *wire.UplinkMsg, uplinkQueueSize)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- c.serveUplinks(ctx, uplinks, queue)
	}()

	err := c.readFrames(ctx, queue)
	cancel()
	close(queue)
	if werr := <-workerErr; werr != nil {
		return werr
	}
	return err
}

func (c *Conn) readFrames(ctx context.Context, queue chan<- *wire.UplinkMsg) error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		req, err := wire.UnmarshalRequestMsg(data)
		if err != nil {
			slog.Warn("Dropping malformed frame from edge",
				"tenant_id", c.edge.TenantID,
				"edge_id", c.edge.ID,
				"error", err,
			)
			continue
		}

		if req.DownlinkResponseMsg != nil {
			c.resolve(req.DownlinkResponseMsg)
		}
		if req.UplinkMsg != nil {
			select {
			case queue <- req.UplinkMsg:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return ErrClosed
			}
		}
	}
}

// serveUplinks applies queued uplinks in arrival order and answers each one.
// Uplinks still queued once ctx is done are dropped; the edge sends them again.
func (c *Conn) serveUplinks(ctx context.Context, uplinks UplinkHandler, queue <-chan *wire.UplinkMsg) error {
	for msg := range queue {
		if ctx.Err() != nil {
			continue
		}
		resp := uplinks.Process(ctx, c.edge, msg)
		if err := c.write(&wire.ResponseMsg{UplinkResponseMsg: resp}); err != nil {
			_ = c.Close()
			return fmt.Errorf("failed to write uplink response: %w", err)
		}
	}
	return nil
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
