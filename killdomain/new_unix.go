//go:build unix

package killdomain

import "pkt.systems/killtree/internal/killtreelog"

// New returns the strongest kill-group primitive available on this
// platform. Selection happens once, here, at construction — nothing
// downstream type-switches on the concrete domain.
func New(log killtreelog.Logger, tag string) KillDomain {
	return NewUnixKillDomain(log, tag)
}
