package killtreecfg

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/killtree/internal/killtreelog"
)

func TestLoadRunnerConfigDefaults(t *testing.T) {
	for _, key := range []string{envDepth, envBreadth, envSleepMs, envTimeoutMs, envVerifyDelay, envTag, envPayload} {
		t.Setenv(key, "")
	}
	cfg, err := LoadRunnerConfig(killtreelog.Nop())
	require.NoError(t, err)
	assert.Equal(t, defaultDepth, cfg.Depth)
	assert.Equal(t, defaultBreadth, cfg.Breadth)
	assert.Equal(t, defaultSleepMs, cfg.SleepMs)
	assert.Equal(t, defaultTimeoutMs, cfg.TimeoutMs)
	assert.Equal(t, defaultVerifyDelayMs, cfg.VerifyDelayMs)
	assert.Regexp(t, `^TEST_[0-9a-f]{8}$`, cfg.Tag)
}

func TestLoadRunnerConfigRespectsExplicitValues(t *testing.T) {
	t.Setenv(envDepth, "4")
	t.Setenv(envBreadth, "2")
	t.Setenv(envSleepMs, "1500")
	t.Setenv(envTimeoutMs, "2500")
	t.Setenv(envVerifyDelay, "900")
	t.Setenv(envTag, "FIXED_TAG")
	t.Setenv(envPayload, "/opt/bin/killtree-payload")

	cfg, err := LoadRunnerConfig(killtreelog.Nop())
	require.NoError(t, err)
	assert.Equal(t, RunnerConfig{
		Depth: 4, Breadth: 2, SleepMs: 1500, TimeoutMs: 2500, VerifyDelayMs: 900,
		Tag: "FIXED_TAG", PayloadPath: "/opt/bin/killtree-payload",
	}, cfg)
}

func TestLoadRunnerConfigRejectsMalformedDepth(t *testing.T) {
	t.Setenv(envDepth, "not-a-number")
	t.Setenv(envBreadth, "")
	_, err := LoadRunnerConfig(killtreelog.Nop())
	assert.Error(t, err)
}

func TestLoadRunnerConfigRejectsNegativeBreadth(t *testing.T) {
	t.Setenv(envDepth, "")
	t.Setenv(envBreadth, "-1")
	_, err := LoadRunnerConfig(killtreelog.Nop())
	assert.Error(t, err)
}

func TestLoadRunnerConfigTolerantFieldsFallBackAndLog(t *testing.T) {
	t.Setenv(envDepth, "")
	t.Setenv(envBreadth, "")
	t.Setenv(envSleepMs, "bogus")

	var buf bytes.Buffer
	cfg, err := LoadRunnerConfig(killtreelog.FromWriter(&buf))
	require.NoError(t, err)
	assert.Equal(t, defaultSleepMs, cfg.SleepMs)
	assert.Contains(t, buf.String(), "invalid env value")
}

func TestParseGracefulWaitDefault(t *testing.T) {
	t.Setenv(envGracefulWait, "")
	assert.Equal(t, DefaultGracefulWait, ParseGracefulWait(killtreelog.Nop(), DefaultGracefulWait))
}

func TestParseGracefulWaitDurationString(t *testing.T) {
	t.Setenv(envGracefulWait, "750ms")
	assert.Equal(t, 750*time.Millisecond, ParseGracefulWait(killtreelog.Nop(), DefaultGracefulWait))
}

func TestParseGracefulWaitBareDigitsAreSeconds(t *testing.T) {
	t.Setenv(envGracefulWait, "3")
	assert.Equal(t, 3*time.Second, ParseGracefulWait(killtreelog.Nop(), DefaultGracefulWait))
}

func TestParseGracefulWaitInvalidFallsBack(t *testing.T) {
	t.Setenv(envGracefulWait, "not-a-duration")
	assert.Equal(t, DefaultGracefulWait, ParseGracefulWait(killtreelog.Nop(), DefaultGracefulWait))
}

func TestIsAllDigits(t *testing.T) {
	assert.True(t, isAllDigits("12345"))
	assert.False(t, isAllDigits(""))
	assert.False(t, isAllDigits("12a"))
	assert.False(t, isAllDigits(" 12 "))
}

func TestTagOrRandomKeepsExplicitTag(t *testing.T) {
	assert.Equal(t, "MYTAG", tagOrRandom("MYTAG"))
}

func TestTagOrRandomGeneratesWhenEmpty(t *testing.T) {
	assert.Regexp(t, `^TEST_[0-9a-f]{8}$`, tagOrRandom(""))
}
