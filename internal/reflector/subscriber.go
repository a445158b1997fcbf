package reflector

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/wire"
)

const (
	// writeWait bounds how long one websocket write may take.
	writeWait = 10 * time.Second
	// sendBuffer bounds how far a subscriber may fall behind the live
	// stream before it is dropped.
	sendBuffer = 256
)

// subscriber adapts one websocket connection to the Sender interface.
// Frames are queued on a buffered channel and written by a dedicated
// goroutine so the session loop never blocks on a slow peer.
type subscriber struct {
	conn *websocket.Conn
	out  chan wire.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	s := &subscriber{
		conn: conn,
		out:  make(chan wire.Frame, sendBuffer),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send queues a frame for delivery. A full buffer means the peer cannot
// keep up with the stream and the connection is reported unusable.
func (s *subscriber) Send(frame wire.Frame) error {
	select {
	case <-s.done:
		return apperrors.New(apperrors.CodeTransportDisconnect, "subscriber closed")
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return apperrors.New(apperrors.CodeTransportDisconnect, "subscriber closed")
	default:
		return apperrors.New(apperrors.CodeTransportDisconnect, "subscriber send buffer full")
	}
}

// Close stops the writer and closes the websocket connection.
func (s *subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *subscriber) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
