package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conclave/client/internal/conn"
	"conclave/client/internal/telemetry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Transport dials websocket sessions against the game server. It implements
// conn.Transport; reconnect policy lives in the connection manager, not here.
type Transport struct {
	url          string
	dialer       *websocket.Dialer
	logger       telemetry.Logger
	writeTimeout time.Duration
}

// NewTransport builds a transport for the given ws:// or wss:// URL.
func NewTransport(url string, logger telemetry.Logger) *Transport {
	return &Transport{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

// Dial opens one websocket connection. The credential travels as a bearer
// token on the handshake request.
func (t *Transport) Dial(ctx context.Context, credential string) (conn.Session, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	socket, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &session{socket: socket, writeTimeout: t.writeTimeout}, nil
}

// CloseReason maps a read error to a disconnect reason. A normal closure
// initiated by the server is the one terminal case; everything else is
// treated as recoverable transport failure.
func (t *Transport) CloseReason(err error) string {
	if err == nil {
		return conn.ReasonTransportError
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure:
			return conn.ReasonServerDisconnect
		case websocket.CloseGoingAway:
			return conn.ReasonTransportError
		default:
			return conn.ReasonTransportError
		}
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return conn.ReasonClientDisconnect
	}
	return conn.ReasonTransportError
}

// session wraps one live websocket connection. Reads are single-reader by
// construction; writes are serialized under a mutex because gorilla permits
// only one concurrent writer.
type session struct {
	socket       *websocket.Conn
	writeMu      sync.Mutex
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func (s *session) Read() ([]byte, error) {
	_, payload, err := s.socket.ReadMessage()
	return payload, err
}

func (s *session) Write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.socket.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.socket.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.socket.SetWriteDeadline(time.Now().Add(time.Second))
		s.socket.WriteMessage(websocket.CloseMessage, message)
		s.writeMu.Unlock()
		err = s.socket.Close()
	})
	return err
}
