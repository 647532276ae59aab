//go:build linux

package killdomain

import (
	"errors"
	"syscall"

	cgroups "github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/killtree/internal/killtreelog"
)

func init() {
	newCgroupGuardFunc = newLinuxCgroupGuard
}

// linuxCgroupGuard backs the optional reinforcement layer described
// in killdomain_unix.go with a real cgroup v1 hierarchy. Freezing the
// cgroup before killing it closes the last race the session/PGID
// mechanism cannot: a descendant that called setsid itself and left
// the group, which a negated-PGID signal would never reach but whose
// PID still appears in cgroup.procs.
type linuxCgroupGuard struct {
	cg  cgroups.Cgroup
	log killtreelog.Logger
}

func newLinuxCgroupGuard(tag string, log killtreelog.Logger) cgroupGuard {
	if log == nil {
		log = killtreelog.Nop()
	}
	if tag == "" {
		tag = "default"
	}
	path := cgroups.StaticPath("/killtree/" + tag)
	cg, err := cgroups.New(cgroups.V1, path, &specs.LinuxResources{})
	if err != nil {
		log.Debug("killdomain: cgroup v1 hierarchy unavailable", "error", err)
		return nil
	}
	return &linuxCgroupGuard{cg: cg, log: log}
}

func (g *linuxCgroupGuard) Add(pid int) error {
	return g.cg.Add(cgroups.Process{Pid: pid})
}

func (g *linuxCgroupGuard) Freeze() error { return g.cg.Freeze() }

func (g *linuxCgroupGuard) Thaw() error { return g.cg.Thaw() }

func (g *linuxCgroupGuard) KillAll(sig syscall.Signal) error {
	procs, err := g.cg.Processes(cgroups.Devices, true)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range procs {
		if err := syscall.Kill(p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *linuxCgroupGuard) Delete() error { return g.cg.Delete() }
