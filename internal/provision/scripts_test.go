package provision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallScriptExportsValues(t *testing.T) {
	script := InstallScript(ScriptValues{
		ImageTag:      "2.0.1",
		AgentImage:    "ghcr.io/example/fleet-agent",
		ExecutorImage: "ghcr.io/example/scan-executor",
		ControllerURL: "https://fleet.example.com",
		NodeID:        12,
	})

	require.True(t, strings.HasPrefix(script, "#!/usr/bin/env bash\n"))
	setE := strings.Index(script, "set -e\n")
	export := strings.Index(script, "export AGENT_IMAGE=")
	check := strings.Index(script, `: "${AGENT_IMAGE:?}"`)
	require.Greater(t, export, setE)
	require.Less(t, export, check)

	require.Contains(t, script, "export NODE_ID='12'\n")
	require.Contains(t, script, "export IS_LOCAL='false'\n")
	require.NotContains(t, script, "export AGENT_CONTAINER=")
}

func TestUninstallScriptExportsContainer(t *testing.T) {
	script := UninstallScript(ScriptValues{AgentContainer: "agent-7", IsLocal: true})
	require.Contains(t, script, "export AGENT_CONTAINER='agent-7'\n")
	require.Contains(t, script, "export IS_LOCAL='true'\n")
}

func TestInjectExports(t *testing.T) {
	env := map[string]string{"B": "2", "A": "it's"}

	require.Equal(t, "#!/bin/sh\n\nexport A='it'\\''s'\nexport B='2'\necho hi\n",
		injectExports("#!/bin/sh\necho hi\n", env))
	require.Equal(t, "\nexport A='it'\\''s'\nexport B='2'\necho hi\n",
		injectExports("echo hi\n", env))
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := decodeClientMessage([]byte(`{"type":"resize","rows":40,"cols":120}`))
	require.NoError(t, err)
	require.Equal(t, ClientMessage{Type: MessageResize, Rows: 40, Cols: 120}, msg)

	_, err = decodeClientMessage([]byte(`{"data":"x"}`))
	require.ErrorIs(t, err, errUnknownMessage)

	_, err = decodeClientMessage([]byte(`{"type":"connected"}`))
	require.ErrorIs(t, err, errUnknownMessage)

	_, err = decodeClientMessage([]byte(`not json`))
	require.Error(t, err)
}
