package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/models"
)

func testExecutorConfig() config.ExecutorConfig {
	return config.DefaultConfig().Executor
}

func testURLs() ServerURLs {
	return ServerURLs{Public: "http://203.0.113.5:8888", Local: "http://server:8888"}
}

func TestBuildRunSpecRemote(t *testing.T) {
	node := &models.Node{ID: 2, Name: "edge", IPAddress: "10.0.0.2"}
	job := &models.Job{Module: "apps.scan.scripts.run_initiate_scan", Args: map[string]string{"scan_id": "42"}}

	spec := BuildRunSpec(testExecutorConfig(), testURLs(), "v1.2.0", node, job)
	require.Equal(t, "scanfleet/executor:v1.2.0", spec.Image)
	require.Empty(t, spec.Network)
	require.Equal(t, "http://203.0.113.5:8888", spec.ServerURL)
	require.Equal(t, "/app/logs/container_run_initiate_scan.log", spec.LogFile)
	require.Equal(t, []string{
		"/opt/scanfleet/results:/app/results",
		"/opt/scanfleet/logs:/app/logs",
	}, spec.Binds)
}

func TestBuildRunSpecLocal(t *testing.T) {
	node := &models.Node{ID: 1, Name: "local", IsLocal: true}
	job := &models.Job{Module: "cleanup"}

	spec := BuildRunSpec(testExecutorConfig(), testURLs(), "v1.2.0", node, job)
	require.Equal(t, "scanfleet_network", spec.Network)
	require.Equal(t, "http://server:8888", spec.ServerURL)
	require.Equal(t, []string{"SERVER_URL=http://server:8888"}, spec.Env())
}

func TestDockerRunCommand(t *testing.T) {
	spec := RunSpec{
		Image:        "scanfleet/executor:v1",
		ServerURL:    "http://203.0.113.5:8888",
		Binds:        []string{"/opt/r:/app/results"},
		Module:       "apps.scan.run",
		Args:         map[string]string{"target_name": "a b", "scan_id": "7"},
		LogFile:      "/app/logs/container_run.log",
		LogTailLines: 10000,
	}

	cmd := spec.DockerRunCommand()
	require.True(t, strings.HasPrefix(cmd, "docker run --rm -d --pull=always -e SERVER_URL=http://203.0.113.5:8888 -v /opt/r:/app/results scanfleet/executor:v1 sh -c '"), cmd)
	require.NotContains(t, cmd, "--network")

	entry := spec.Entrypoint()
	require.Equal(t,
		"tail -n 10000 /app/logs/container_run.log > /app/logs/container_run.log.tmp 2>/dev/null; "+
			"mv /app/logs/container_run.log.tmp /app/logs/container_run.log 2>/dev/null; "+
			"python -m apps.scan.run --scan_id=7 '--target_name=a b' >> /app/logs/container_run.log 2>&1",
		entry)
}

func TestEntrypointQuotesHostileArgs(t *testing.T) {
	spec := RunSpec{
		Module:  "m",
		Args:    map[string]string{"name": "x'; rm -rf /; echo '"},
		LogFile: "/l.log",
	}

	entry := spec.Entrypoint()
	require.Equal(t, `python -m m '--name=x'\''; rm -rf /; echo '\''' >> /l.log 2>&1`, entry)
}

func TestModuleName(t *testing.T) {
	require.Equal(t, "run_cleanup", moduleName("apps.scan.scripts.run_cleanup"))
	require.Equal(t, "plain", moduleName("plain"))
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"simple":        "simple",
		"a=b:c/d":       "a=b:c/d",
		"":              "''",
		"with space":    "'with space'",
		"it's":          `'it'\''s'`,
		"$(whoami)":     "'$(whoami)'",
		"semi;colon":    "'semi;colon'",
		"http://h:8888": "http://h:8888",
	}
	for in, want := range tests {
		require.Equal(t, want, shellQuote(in), in)
	}
}
