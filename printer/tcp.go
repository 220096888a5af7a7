package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// ControlPort is the printer's M-code control port.
	ControlPort = 8899

	commandPrefix = "~"
	frameEnd      = "\r\n"
	readChunk     = 1024
	maxReplyBytes = 256 * 1024
)

// CommandClient sends one command per TCP connection: connect, send,
// receive, close. It holds no connection state, so concurrent calls never
// share a socket.
type CommandClient struct {
	host    string
	port    int
	timeout time.Duration
	dialer  net.Dialer
}

// NewCommandClient creates a control-port client. timeout bounds the connect
// and every read/write.
func NewCommandClient(host string, port int, timeout time.Duration) *CommandClient {
	if port <= 0 {
		port = ControlPort
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandClient{
		host:    host,
		port:    port,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Addr returns host:port of the control endpoint.
func (c *CommandClient) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Frame returns the wire form of a command: "~" prefix and CRLF terminator.
func Frame(command string) string {
	cmd := strings.TrimSpace(command)
	if !strings.HasPrefix(cmd, commandPrefix) {
		cmd = commandPrefix + cmd
	}
	return cmd + frameEnd
}

// Send writes command and returns the decoded reply. Reading stops when the
// printer closes the connection, the acknowledgement line arrives, or the
// read deadline passes. A deadline with partial data is not an error; the
// caller decides whether the reply is acceptable.
func (c *CommandClient) Send(ctx context.Context, command string) (string, error) {
	op := "send " + strings.TrimSpace(command)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.Addr())
	if err != nil {
		return "", transportError(op, fmt.Errorf("connecting to %s: %w", c.Addr(), err))
	}
	defer conn.Close()

	// Tie the connection to ctx so a cancelled caller unblocks I/O.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", transportError(op, err)
	}
	if _, err := io.WriteString(conn, Frame(command)); err != nil {
		return "", transportError(op, fmt.Errorf("writing command: %w", err))
	}

	raw, err := c.readReply(ctx, conn)
	reply := decodeReply(raw)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
			if len(raw) == 0 {
				return "", newError(KindTimeout, op, fmt.Errorf("no reply within %s", c.timeout))
			}
			return reply, nil
		}
		if ctx.Err() != nil {
			return reply, transportError(op, ctx.Err())
		}
		return reply, transportError(op, fmt.Errorf("reading reply: %w", err))
	}
	return reply, nil
}

// readReply accumulates bytes until EOF, the ok line, or an error.
func (c *CommandClient) readReply(ctx context.Context, conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return buf.Bytes(), err
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return buf.Bytes(), err
		}
		n, err := conn.Read(chunk)
		buf.Write(chunk[:n])
		if Acknowledged(decodeReply(buf.Bytes())) {
			return buf.Bytes(), nil
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		if buf.Len() >= maxReplyBytes {
			return buf.Bytes(), nil
		}
	}
}

// decodeReply converts printer bytes to text, dropping invalid UTF-8 and NULs.
func decodeReply(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
