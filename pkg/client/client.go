// Package client is a minimal Go SDK for the collabd WebSocket protocol:
// dial, join a room, submit operations and receive room events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/pkg/ot"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// Client is one WebSocket connection to a collabd server.
type Client struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	clientID string

	events chan *protocol.Message
	errc   chan error

	mu     sync.Mutex
	joined *protocol.RoomJoinedPayload
	acks   map[int64]chan *protocol.OperationAckPayload

	clientSeq atomic.Int64
	closed    atomic.Bool
}

// Options tunes Dial.
type Options struct {
	// Token authenticates the connection.
	Token string
	// EventBuffer sizes the event channel (default 64).
	EventBuffer int
	// HTTPClient overrides the dial transport.
	HTTPClient *http.Client
}

// Dial connects and starts the read loop. baseURL is the server root,
// e.g. "ws://127.0.0.1:18800".
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	headers := http.Header{}
	if opts.Token != "" {
		headers.Set("Authorization", "Bearer "+opts.Token)
	}
	dialOpts := &websocket.DialOptions{HTTPHeader: headers}
	if opts.HTTPClient != nil {
		dialOpts.HTTPClient = opts.HTTPClient
	}

	conn, _, err := websocket.Dial(ctx, baseURL+"/ws", dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	c := &Client{
		conn:     conn,
		clientID: uuid.NewString(),
		events:   make(chan *protocol.Message, buffer),
		errc:     make(chan error, 1),
		acks:     make(map[int64]chan *protocol.OperationAckPayload),
	}
	go c.readLoop()
	return c, nil
}

// ClientID is the stable id stamped on every submitted operation.
func (c *Client) ClientID() string { return c.clientID }

// Events delivers server frames not consumed by a pending call. The
// channel closes when the connection drops.
func (c *Client) Events() <-chan *protocol.Message { return c.events }

// Err reports the terminal read error after Events closes.
func (c *Client) Err() error {
	select {
	case err := <-c.errc:
		return err
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.closed.Store(true)
			select {
			case c.errc <- err:
			default:
			}
			return
		}
		var msg protocol.Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if c.route(&msg) {
			continue
		}
		select {
		case c.events <- &msg:
		default:
			// The consumer is not keeping up; drop rather than stall
			// the read loop.
		}
	}
}

// route intercepts frames that resolve a pending call.
func (c *Client) route(msg *protocol.Message) bool {
	if msg.Type != protocol.MsgOperationAck {
		return false
	}
	var ack protocol.OperationAckPayload
	if msg.Decode(&ack) != nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.acks[ack.ClientSeq]
	if ok {
		delete(c.acks, ack.ClientSeq)
	}
	c.mu.Unlock()
	if ok {
		ch <- &ack
	}
	return ok
}

func (c *Client) write(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Join performs the join-room handshake and returns the room snapshot.
func (c *Client) Join(ctx context.Context, roomID string, resumeFrom *int64) (*protocol.RoomJoinedPayload, error) {
	if err := c.write(ctx, protocol.NewMessage(protocol.MsgJoinRoom, protocol.JoinRoomPayload{
		RoomID:            roomID,
		ResumeFromVersion: resumeFrom,
	})); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-c.events:
			if !ok {
				return nil, fmt.Errorf("connection closed: %w", c.Err())
			}
			switch msg.Type {
			case protocol.MsgRoomJoined:
				var joined protocol.RoomJoinedPayload
				if err := msg.Decode(&joined); err != nil {
					return nil, err
				}
				c.mu.Lock()
				c.joined = &joined
				c.mu.Unlock()
				return &joined, nil
			case protocol.MsgError:
				var e protocol.ErrorPayload
				msg.Decode(&e)
				return nil, protocol.E(e.Code, e.Message)
			}
		}
	}
}

// Submit sends an operation bundle and waits for the server's ack.
func (c *Client) Submit(ctx context.Context, docID string, ops *ot.OperationSeq, baseVersion int64) (*protocol.OperationAckPayload, error) {
	seq := c.clientSeq.Add(1)
	ch := make(chan *protocol.OperationAckPayload, 1)
	c.mu.Lock()
	c.acks[seq] = ch
	c.mu.Unlock()

	err := c.write(ctx, protocol.NewMessage(protocol.MsgOperation, protocol.OperationPayload{
		DocID:       docID,
		Ops:         ops,
		BaseVersion: baseVersion,
		ClientID:    c.clientID,
		ClientSeq:   seq,
	}))
	if err != nil {
		c.mu.Lock()
		delete(c.acks, seq)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.acks, seq)
		c.mu.Unlock()
		return nil, ctx.Err()
	case ack := <-ch:
		return ack, nil
	}
}

// OpenDocument requests a document snapshot.
func (c *Client) OpenDocument(ctx context.Context, docID string) error {
	return c.write(ctx, protocol.NewMessage(protocol.MsgOpenDocument, protocol.OpenDocumentPayload{DocID: docID}))
}

// SendCursor reports a cursor position.
func (c *Client) SendCursor(ctx context.Context, p protocol.CursorUpdatePayload) error {
	return c.write(ctx, protocol.NewMessage(protocol.MsgCursorUpdate, p))
}

// SendPresence reports a presence change.
func (c *Client) SendPresence(ctx context.Context, p protocol.PresenceUpdatePayload) error {
	return c.write(ctx, protocol.NewMessage(protocol.MsgPresenceUpdate, p))
}

// Leave exits the current room without closing the connection.
func (c *Client) Leave(ctx context.Context) error {
	return c.write(ctx, protocol.NewMessage(protocol.MsgLeaveRoom, nil))
}

// Ping round-trips an application-level ping frame.
func (c *Client) Ping(ctx context.Context) error {
	return c.write(ctx, protocol.NewMessage(protocol.MsgPing, nil))
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
