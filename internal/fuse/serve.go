package fuse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
)

// Stream framing: every request starts with an InHeader whose Len covers
// the whole message, and every reply is written with a single Write.

type connBuffers struct {
	req   []byte
	reply *BufferWriter
}

func (s *Server) requestSize() int {
	return InHeaderSize + writeInSize + int(s.fs.MaxBufferSize())
}

func (s *Server) replySize() int {
	return OutHeaderSize + max(int(s.fs.MaxBufferSize()), 16+IoctlMaxIov*ioctlIovecSize)
}

func (s *Server) getBuffers() *connBuffers {
	if b, ok := s.buffers.Get().(*connBuffers); ok {
		return b
	}
	return &connBuffers{
		req:   make([]byte, s.requestSize()),
		reply: NewBufferWriter(make([]byte, s.replySize())),
	}
}

// Serve handles requests from conn, one at a time, until the peer closes
// the stream. Cancelling ctx stops the loop before the next request; a
// caller blocked in a read must also close conn.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriter, mapper Mapper) error {
	bufs := s.getBuffers()
	defer s.buffers.Put(bufs)

	for ctx.Err() == nil {
		msg, err := s.readRequest(conn, bufs.req)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		bufs.reply.Reset()
		if _, err := s.HandleMessage(bytes.NewReader(msg), bufs.reply, mapper); err != nil {
			return err
		}
		if bufs.reply.Len() == 0 {
			continue
		}
		if _, err := conn.Write(bufs.reply.Bytes()); err != nil {
			return fmt.Errorf("fuse: write reply: %w", err)
		}
	}
	return nil
}

// readRequest reads one framed request into buf. A request larger than buf
// is drained from the stream and only its header is returned, which
// HandleMessage answers with ENOMEM.
func (s *Server) readRequest(r io.Reader, buf []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, buf[:InHeaderSize]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("fuse: read request header: %w", err)
		}
		return nil, err
	}
	length := int64(binary.LittleEndian.Uint32(buf[0:4]))
	body := max(length-InHeaderSize, 0)

	if body > int64(len(buf)-InHeaderSize) {
		if _, err := io.CopyN(io.Discard, r, body); err != nil {
			return nil, fmt.Errorf("fuse: drain oversized request: %w", err)
		}
		return buf[:InHeaderSize], nil
	}
	if _, err := io.ReadFull(r, buf[InHeaderSize:InHeaderSize+body]); err != nil {
		return nil, fmt.Errorf("fuse: read request body: %w", err)
	}
	return buf[:InHeaderSize+body], nil
}

// ServeListener accepts connections from ln and serves each on its own
// goroutine. It returns once ctx is cancelled, or the listener fails, and
// every connection has finished.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener, mapper Mapper) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("fuse: accept: %w", err)
			}
			slog.Debug("fuse: connection accepted", "remote", conn.RemoteAddr())

			g.Go(func() error {
				defer conn.Close()
				stopConn := context.AfterFunc(ctx, func() { conn.Close() })
				defer stopConn()

				if err := s.Serve(ctx, conn, mapper); err != nil && ctx.Err() == nil {
					slog.Warn("fuse: connection closed", "remote", conn.RemoteAddr(), "err", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}
