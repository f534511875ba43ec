package live

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// outbound frames buffered per connection before the peer is declared too
	// slow and disconnected
	sendQueueSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxFrameSize = 1 << 20
)

// Conn wraps a websocket connection with a single writer goroutine. All
// outbound traffic goes through Push, which never blocks: a peer that cannot
// drain sendQueueSize frames is closed rather than allowed to stall the
// broadcast path for everyone else.
type Conn struct {
	SessionID  string
	DeviceID   string
	DeviceType string

	ws        *websocket.Conn
	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn(sessionID, deviceID, deviceType string, ws *websocket.Conn) *Conn {
	c := &Conn{
		SessionID:  sessionID,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		ws:         ws,
		sendCh:     make(chan []byte, sendQueueSize),
		closed:     make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
	return c
}

// Push marshals and enqueues one frame. Returns false if the frame was
// dropped, either because the connection is closed or because the peer's send
// queue is full (in which case the connection is torn down).
func (c *Conn) Push(frame interface{}) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Err(err).Str("device", c.DeviceID).Msg("Conn.Push: failed to marshal frame")
		return false
	}
	return c.PushBytes(data)
}

// PushBytes enqueues a pre-marshalled frame. Broadcast paths marshal once and
// fan the same bytes out to every device.
func (c *Conn) PushBytes(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	case <-c.closed:
		return false
	default:
		// slow consumer: killing the connection forces a clean reconnect and
		// full sync rather than delivering a gapped stream
		logger.Warn().Str("session", c.SessionID).Str("device", c.DeviceID).Msg("send queue full, closing connection")
		c.Close()
		return false
	}
}

// ReadMessage blocks for the next client frame. Only the connection handler's
// read loop may call this.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close tears the connection down. Safe to call multiple times and from any
// goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// closePolicyViolation rejects a websocket that failed handshake validation
// with close code 1008 before any Conn is built around it.
func closePolicyViolation(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	ws.Close()
}
