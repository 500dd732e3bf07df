package printer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

// Connection is an open byte channel to a printer.
type Connection interface {
	Write(data []byte) (int, error)
	Close() error
}

// Transport opens connections for one kind of target. The timeout applies
// to establishing the connection and may be ignored by transports that do
// not support one.
type Transport interface {
	Connect(ctx context.Context, target Target, timeout time.Duration) (Connection, error)
}

// session owns a Connection for the duration of one print call.
type session struct {
	transport TransportKind
	conn      Connection
	once      sync.Once
}

func newSession(transport TransportKind, conn Connection) *session {
	return &session{transport: transport, conn: conn}
}

// send writes the whole stream; a failed or short write is a SendError.
func (s *session) send(data []byte) error {
	n, err := s.conn.Write(data)
	if err != nil {
		return &Error{Kind: KindSend, Transport: s.transport, Op: "send", Err: err}
	}
	if n < len(data) {
		return &Error{Kind: KindSend, Transport: s.transport, Op: "send",
			Err: fmt.Errorf("%w: wrote %d of %d bytes", io.ErrShortWrite, n, len(data))}
	}
	return nil
}

// disconnect closes the connection once; close failures are only logged.
func (s *session) disconnect() {
	s.once.Do(func() {
		if err := s.conn.Close(); err != nil {
			logging.Warn("closing printer connection failed", "transport", string(s.transport), "error", err)
		}
	})
}
