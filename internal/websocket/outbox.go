package websocket

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Outbox errors.
var (
	ErrOutboxClosed = errors.New("outbox closed")
	ErrOutboxFull   = errors.New("outbox full")
)

// Outbox owns all writes to one connection. gorilla/websocket allows a single
// concurrent writer, so every sender enqueues here instead.
type Outbox struct {
	conn *websocket.Conn
	out  chan interface{}
	log  zerolog.Logger

	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// NewOutbox starts the writer goroutine. size bounds queued messages.
func NewOutbox(conn *websocket.Conn, size int, log zerolog.Logger) *Outbox {
	o := &Outbox{
		conn:     conn,
		out:      make(chan interface{}, size),
		log:      log,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go o.loop()
	return o
}

// Send queues an event without blocking.
func (o *Outbox) Send(event Event, data interface{}) error {
	return o.enqueue(Message{Event: event, Data: data})
}

// SendError queues an error event without blocking.
func (o *Outbox) SendError(msg string) error {
	return o.enqueue(ErrorResponse{Event: EventError, Error: msg})
}

func (o *Outbox) enqueue(v interface{}) error {
	select {
	case <-o.done:
		return ErrOutboxClosed
	default:
	}
	select {
	case o.out <- v:
		return nil
	case <-o.done:
		return ErrOutboxClosed
	default:
		return ErrOutboxFull
	}
}

// Close stops accepting messages and waits until queued ones are written.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
	<-o.finished
}

func (o *Outbox) loop() {
	defer close(o.finished)

	broken := false
	write := func(v interface{}) {
		if broken {
			return
		}
		if err := WriteTyped(o.conn, v); err != nil {
			o.log.Debug().Err(err).Msg("Write failed, discarding remaining messages")
			broken = true
		}
	}

	for {
		select {
		case v := <-o.out:
			write(v)
		case <-o.done:
			for {
				select {
				case v := <-o.out:
					write(v)
				default:
					return
				}
			}
		}
	}
}
