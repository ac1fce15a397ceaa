package provision

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed scripts/install.sh
var installScript string

//go:embed scripts/uninstall.sh
var uninstallScript string

// Script names under the remote directory.
const (
	InstallScriptName   = "install.sh"
	UninstallScriptName = "uninstall.sh"
)

// ScriptValues are exported at the top of every provisioning script so the
// node installs the controller's version and reports back to it.
type ScriptValues struct {
	ImageTag       string
	AgentImage     string
	ExecutorImage  string
	ControllerURL  string
	AgentContainer string
	NodeID         int64
	IsLocal        bool
}

func (v ScriptValues) exports() map[string]string {
	env := map[string]string{
		"IMAGE_TAG":      v.ImageTag,
		"AGENT_IMAGE":    v.AgentImage,
		"EXECUTOR_IMAGE": v.ExecutorImage,
		"CONTROLLER_URL": v.ControllerURL,
		"NODE_ID":        fmt.Sprint(v.NodeID),
		"IS_LOCAL":       fmt.Sprint(v.IsLocal),
	}
	if v.AgentContainer != "" {
		env["AGENT_CONTAINER"] = v.AgentContainer
	}
	return env
}

// InstallScript returns the install script with values injected.
func InstallScript(values ScriptValues) string {
	return injectExports(installScript, values.exports())
}

// UninstallScript returns the uninstall script with values injected.
func UninstallScript(values ScriptValues) string {
	return injectExports(uninstallScript, values.exports())
}

// injectExports inserts export lines after the first `set -e`, or after the
// shebang when the script has none.
func injectExports(script string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var block strings.Builder
	block.WriteString("\n")
	for _, key := range keys {
		fmt.Fprintf(&block, "export %s=%s\n", key, quote(env[key]))
	}

	if i := strings.Index(script, "set -e\n"); i >= 0 {
		at := i + len("set -e\n")
		return script[:at] + block.String() + script[at:]
	}
	if strings.HasPrefix(script, "#!") {
		if at := strings.IndexByte(script, '\n'); at >= 0 {
			return script[:at+1] + block.String() + script[at+1:]
		}
	}
	return block.String() + script
}

// quote single-quotes value for a POSIX shell.
func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
