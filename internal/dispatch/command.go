package dispatch

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/models"
)

// RunSpec describes one executor container launch.
type RunSpec struct {
	// Image includes the tag.
	Image string

	// Network is joined only by containers on local nodes.
	Network string

	// ServerURL is how the container reaches the controller.
	ServerURL string

	// Binds are host:container volume mounts.
	Binds []string

	Module string
	Args   map[string]string

	// LogFile is the in-container log the module appends to.
	LogFile      string
	LogTailLines int
}

// BuildRunSpec prepares the launch of job on node. tag is the controller's
// expected version; local nodes use the controller network and local URL.
func BuildRunSpec(cfg config.ExecutorConfig, serverURLs ServerURLs, tag string, node *models.Node, job *models.Job) RunSpec {
	spec := RunSpec{
		Image:     cfg.Image + ":" + tag,
		ServerURL: serverURLs.Public,
		Binds: []string{
			cfg.HostResultsDir + ":" + cfg.ResultsMount,
			cfg.HostLogsDir + ":" + cfg.LogsMount,
		},
		Module:       job.Module,
		Args:         job.Args,
		LogFile:      path.Join(cfg.LogsMount, "container_"+moduleName(job.Module)+".log"),
		LogTailLines: cfg.LogTailLines,
	}
	if node.IsLocal {
		spec.Network = cfg.Network
		spec.ServerURL = serverURLs.Local
	}
	return spec
}

// ServerURLs are the controller addresses handed to executor containers.
type ServerURLs struct {
	Public string
	Local  string
}

// Entrypoint is the container command: trim the previous log, then run the
// module with its output appended to the log.
func (s RunSpec) Entrypoint() string {
	var b strings.Builder
	if s.LogTailLines > 0 {
		log := shellQuote(s.LogFile)
		tmp := shellQuote(s.LogFile + ".tmp")
		fmt.Fprintf(&b, "tail -n %d %s > %s 2>/dev/null; mv %s %s 2>/dev/null; ", s.LogTailLines, log, tmp, tmp, log)
	}
	b.WriteString("python -m ")
	b.WriteString(shellQuote(s.Module))
	for _, arg := range s.ModuleArgs() {
		b.WriteString(" ")
		b.WriteString(shellQuote(arg))
	}
	fmt.Fprintf(&b, " >> %s 2>&1", shellQuote(s.LogFile))
	return b.String()
}

// ModuleArgs renders Args as --key=value flags in key order.
func (s RunSpec) ModuleArgs() []string {
	keys := make([]string, 0, len(s.Args))
	for key := range s.Args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, key := range keys {
		args = append(args, "--"+key+"="+s.Args[key])
	}
	return args
}

// Env is the container environment.
func (s RunSpec) Env() []string {
	return []string{"SERVER_URL=" + s.ServerURL}
}

// DockerRunCommand is the equivalent docker CLI invocation for remote hosts.
func (s RunSpec) DockerRunCommand() string {
	parts := []string{"docker", "run", "--rm", "-d", "--pull=always"}
	if s.Network != "" {
		parts = append(parts, "--network", shellQuote(s.Network))
	}
	for _, env := range s.Env() {
		parts = append(parts, "-e", shellQuote(env))
	}
	for _, bind := range s.Binds {
		parts = append(parts, "-v", shellQuote(bind))
	}
	parts = append(parts, shellQuote(s.Image), "sh", "-c", shellQuote(s.Entrypoint()))
	return strings.Join(parts, " ")
}

// moduleName is the last dotted segment of a module path.
func moduleName(module string) string {
	if i := strings.LastIndex(module, "."); i >= 0 {
		return module[i+1:]
	}
	return module
}

func shellQuote(value string) string {
	if value != "" && strings.IndexFunc(value, needsQuote) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=@,+%", r)
}
