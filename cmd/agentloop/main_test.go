package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentloop development")
}

func TestAskCommand_MockProvider(t *testing.T) {
	t.Setenv("AGENTLOOP_PROMETHEUS", "false")
	t.Setenv("AGENTLOOP_LOG_LEVEL", "error")

	out, progress, err := runCLI(t, "ask", "--mock", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "Mock response\n", out)
	assert.Contains(t, progress, "[analyzing]")
}

func TestAskCommand_RequiresQuestion(t *testing.T) {
	_, _, err := runCLI(t, "ask")
	assert.Error(t, err)
}

func TestLoadConfig_MockFlag(t *testing.T) {
	t.Setenv("AGENTLOOP_PROMETHEUS", "false")
	cfg, err := loadConfig(&globalFlags{mock: true, logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.AI.Provider)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
