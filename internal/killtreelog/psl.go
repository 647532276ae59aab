package killtreelog

import (
	"io"

	"pkt.systems/logport/adapters/psl"
)

// pslAdapter adapts pkt.systems/logport's lightweight psl logger,
// matching the one sa6mwa-psi's embedded example binary uses — the
// right weight for cmd/killtree-payload, which should log almost
// nothing by default since the test fixture may fork hundreds of
// descendants.
type pslAdapter struct {
	l *psl.Logger
}

// NewPSL returns a killtreelog.Logger backed by logport's psl
// adapter, writing lines to w.
func NewPSL(w io.Writer) Logger {
	return &pslAdapter{l: psl.New(w)}
}

func (p *pslAdapter) Debug(msg string, kv ...any) { p.l.Debug(msg, kv...) }
func (p *pslAdapter) Info(msg string, kv ...any)  { p.l.Info(msg, kv...) }
func (p *pslAdapter) Error(msg string, kv ...any) { p.l.Error(msg, kv...) }
func (p *pslAdapter) With(kv ...any) Logger {
	return &pslAdapter{l: p.l.With(kv...)}
}
