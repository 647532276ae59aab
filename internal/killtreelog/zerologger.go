package killtreelog

import (
	"io"

	"pkt.systems/logport/adapters/zerologger"
)

// zerologgerAdapter adapts pkt.systems/logport's zerologger to the
// killtreelog.Logger shape. cmd/killtree-runner uses this adapter, the
// same one sa6mwa-psi's own example wires for its CLI frontend.
type zerologgerAdapter struct {
	l *zerologger.Logger
}

// NewZerologger returns a killtreelog.Logger backed by logport's
// zerolog adapter, writing JSON lines to w.
func NewZerologger(w io.Writer) Logger {
	return &zerologgerAdapter{l: zerologger.New(w)}
}

func (z *zerologgerAdapter) Debug(msg string, kv ...any) { z.l.Debug(msg, kv...) }
func (z *zerologgerAdapter) Info(msg string, kv ...any)  { z.l.Info(msg, kv...) }
func (z *zerologgerAdapter) Error(msg string, kv ...any) { z.l.Error(msg, kv...) }
func (z *zerologgerAdapter) With(kv ...any) Logger {
	return &zerologgerAdapter{l: z.l.With(kv...)}
}
