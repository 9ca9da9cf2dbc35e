// Package console is a transport that writes deliveries to a stream and the
// log. It is the default when no chat transport is configured.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"recurd/internal/transport"
	logx "recurd/pkg/logx"
	"sync"
	"sync/atomic"
	"time"
)

type Adapter struct {
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	out io.Writer

	seq atomic.Int64
}

// New writes to out, or stdout when out is nil.
func New(out io.Writer, log logx.Logger) *Adapter {
	if out == nil {
		out = os.Stdout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{out: out, log: log.With(logx.String("comp", "console")), now: time.Now}
}

func (a *Adapter) Name() string                    { return "console" }
func (a *Adapter) Start(ctx context.Context) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error  { return nil }

func (a *Adapter) SendText(ctx context.Context, to transport.Target, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	id := int(a.seq.Add(1))
	dest := to.Address
	if dest == "" && to.ChatID != 0 {
		dest = fmt.Sprintf("%d/%d", to.ChatID, to.ThreadID)
	}
	if dest == "" {
		dest = "-"
	}

	a.mu.Lock()
	_, err := fmt.Fprintf(a.out, "%s [%s] %s\n", a.now().Format(time.RFC3339), dest, text)
	a.mu.Unlock()
	if err != nil {
		return transport.MessageRef{}, err
	}
	a.log.Debug("message delivered", logx.String("to", dest), logx.Int("id", id))
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
