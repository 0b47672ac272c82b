package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// Receiver is the listening end of the relay. Frames that arrive while the
// consumer is behind are dropped.
type Receiver struct {
	conn    net.PacketConn
	frames  chan []byte
	log     *slog.Logger
	once    sync.Once
	done    chan struct{}
	dropped atomic.Int64
}

// Listen binds addr and starts receiving datagrams of up to bufsize bytes.
func Listen(addr string, bufsize int, log *slog.Logger) (*Receiver, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	r := &Receiver{
		conn:   conn,
		frames: make(chan []byte, 64),
		log:    log.With(slog.String("component", "relay-receiver")),
		done:   make(chan struct{}),
	}
	go r.loop(bufsize)
	return r, nil
}

func (r *Receiver) loop(bufsize int) {
	defer close(r.done)
	defer close(r.frames)
	buf := make([]byte, bufsize)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case r.frames <- pkt:
		default:
			if r.dropped.Add(1)%100 == 1 {
				r.log.Warn("dropping audio frames", slog.Int64("dropped", r.dropped.Load()))
			}
		}
	}
}

// Frames yields received datagrams until Close.
func (r *Receiver) Frames() <-chan []byte { return r.frames }

// Addr is the bound local address.
func (r *Receiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Dropped reports frames discarded because the consumer was behind.
func (r *Receiver) Dropped() int64 { return r.dropped.Load() }

func (r *Receiver) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
		<-r.done
	})
	return err
}
