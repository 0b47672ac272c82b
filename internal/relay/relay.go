// Package relay forwards raw PCM frames from a capture source to a local UDP
// endpoint, and receives them on the other side. Delivery is best-effort:
// no acknowledgement, no retry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
)

// Source is a capture handle. ReadFrame fills buf with up to len(buf) bytes
// of little-endian PCM16 and returns io.EOF when the source is exhausted.
// Close must be safe to call more than once and must unblock ReadFrame.
type Source interface {
	ReadFrame(buf []byte) (int, error)
	Close() error
}

// Relay sends each frame read from Source as one datagram.
type Relay struct {
	src        Source
	addr       string
	frameBytes int
	log        *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func New(src Source, addr string, frameBytes int, log *slog.Logger) *Relay {
	return &Relay{
		src:        src,
		addr:       addr,
		frameBytes: frameBytes,
		log:        log.With(slog.String("component", "relay")),
	}
}

// Run captures until ctx is cancelled, the source ends, or a read fails. The
// source and the socket are released on every return path.
func (r *Relay) Run(ctx context.Context) error {
	defer r.src.Close()

	conn, err := net.Dial("udp", r.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = r.src.Close() })
	defer stop()

	r.log.Info("relay started", slog.String("addr", r.addr), slog.Int("frame_bytes", r.frameBytes))
	buf := make([]byte, r.frameBytes)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.src.ReadFrame(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				r.failed.Add(1)
				r.log.Debug("datagram send failed", slog.String("error", werr.Error()))
			} else {
				r.sent.Add(1)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				r.log.Info("relay stopped", slog.Int64("sent", r.sent.Load()), slog.Int64("failed", r.failed.Load()))
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
	}
}

// Sent reports datagrams handed to the socket.
func (r *Relay) Sent() int64 { return r.sent.Load() }
