//go:build windows

package killdomain

import "pkt.systems/killtree/internal/killtreelog"

// New returns the strongest kill-group primitive available on this
// platform: a Job Object.
func New(log killtreelog.Logger, tag string) KillDomain {
	return NewWindowsKillDomain(log)
}
