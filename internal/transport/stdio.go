package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/rpc"
	"github.com/brandon/outlook-mcp/internal/server"
)

// Line speaks the line-oriented transport: one JSON object per \n-terminated
// line in each direction. Responses go out in completion order, not request
// order.
type Line struct {
	core   *server.Server
	logger *logrus.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// NewLine builds the line transport over the given streams, typically the
// process's standard input and output.
func NewLine(core *server.Server, in io.Reader, out io.Writer, logger *logrus.Logger) *Line {
	return &Line{core: core, logger: logger, in: in, out: out}
}

// Run reads frames until EOF or context cancellation. Requests before the
// handshake completes are handled serially so the session machine sees them
// in arrival order; once the session is ready, handlers overlap freely.
func (l *Line) Run(ctx context.Context) error {
	session := rpc.NewSession()
	defer session.Close()

	scanner := bufio.NewScanner(l.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pending sync.WaitGroup
	defer pending.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !session.Ready() {
			l.serve(ctx, session, line)
			if session.State() == rpc.StateClosing {
				return nil
			}
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			l.serve(ctx, session, line)
		}()

		if session.State() == rpc.StateClosing {
			break
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.logger.WithError(err).Warn("Line transport read failed")
		return err
	}
	return nil
}

func (l *Line) serve(ctx context.Context, session *rpc.Session, line []byte) {
	resp := l.core.Dispatch(ctx, session, line)
	if resp == nil {
		return
	}
	l.write(resp)
}

func (l *Line) write(resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		l.logger.WithError(err).Error("Failed to encode response")
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.logger.WithError(err).Error("Failed to write response")
	}
}
