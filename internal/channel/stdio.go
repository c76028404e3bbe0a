package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/firefly-engineering/warden/internal/logging"
)

const maxLine = 1 << 20

// Stdio reads inbound messages as JSON lines and writes replies the same
// way.
type Stdio struct {
	in  io.Reader
	log *slog.Logger

	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// NewStdio returns an adapter over in and out.
func NewStdio(in io.Reader, out io.Writer, log *slog.Logger) *Stdio {
	return &Stdio{
		in:  in,
		out: out,
		enc: json.NewEncoder(out),
		log: logging.Component(log, "stdio"),
	}
}

// Send writes r as one JSON line.
func (s *Stdio) Send(ctx context.Context, r Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Serve calls handle for every well-formed line until input ends or ctx
// is done. Malformed lines are logged and skipped.
func (s *Stdio) Serve(ctx context.Context, handle Handler) error {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var m Inbound
			if err := json.Unmarshal(line, &m); err != nil {
				s.log.Warn("skipping malformed inbound line", "error", err)
				continue
			}
			handle(ctx, m)
		}
	}
}
