//go:build linux

package probe

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeHelperEnv = "GO_WANT_PROBE_HELPER"

func TestCountByTagFindsTaggedProcess(t *testing.T) {
	tag := "PROBE_TEST_TAG_ONE"
	cmd := startProbeHelper(t, tag)
	defer func() { _ = cmd.Process.Kill() }()

	waitForCmdlineVisible(t, tag)

	p := New()
	n, err := p.CountByTag(tag)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestAnyLeftFindsTaggedProcess(t *testing.T) {
	tag := "PROBE_TEST_TAG_TWO"
	cmd := startProbeHelper(t, tag)
	defer func() { _ = cmd.Process.Kill() }()

	waitForCmdlineVisible(t, tag)

	p := New()
	found, err := p.AnyLeft(tag)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAnyLeftFalseForUnusedTag(t *testing.T) {
	p := New()
	found, err := p.AnyLeft("PROBE_TEST_TAG_NEVER_SPAWNED")
	require.NoError(t, err)
	assert.False(t, found)
}

// startProbeHelper re-execs the test binary as a long-sleeping helper
// whose argv embeds both PayloadMarker and tag, the same way
// cmd/killtree-payload's own argv would.
func startProbeHelper(t *testing.T, tag string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestProbeHelperProcess", "--", PayloadMarker, tag)
	cmd.Env = append(os.Environ(), probeHelperEnv+"=1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

// waitForCmdlineVisible gives /proc a moment to reflect the freshly
// started helper before the probe scans it.
func waitForCmdlineVisible(t *testing.T, tag string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if found, _ := New().AnyLeft(tag); found {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("helper process never became visible to the probe")
}

func TestProbeHelperProcess(t *testing.T) {
	if os.Getenv(probeHelperEnv) != "1" {
		return
	}
	time.Sleep(30 * time.Second)
}
