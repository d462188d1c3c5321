package commands

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/3cpo-dev/fleetroll/internal/catalog"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// DefaultMountPath is used for volumes without an explicit mount path.
const DefaultMountPath = "/data"

const (
	LabelEnvironment = "fleetroll.environment"
	LabelHost        = "fleetroll.host"
)

// Builder turns a host entry into an ordered shell command batch.
type Builder struct {
	Environment string
}

// NewBuilder returns a builder labelling containers with environment.
func NewBuilder(environment string) *Builder {
	if environment == "" {
		environment = "dev"
	}
	return &Builder{Environment: environment}
}

// runStrategy renders the docker run command for container i of e.
type runStrategy func(b *Builder, e api.HostEntry, i int) string

var strategies = map[api.HostKind]runStrategy{
	api.KindGeneric:    runGeneric,
	api.KindDatabase:   runWithVolume,
	api.KindMonitoring: runWithVolume,
}

// Build returns the command batch for e: volumes, pulls, teardown, runs,
// optional settle and a final verification. Pulls always precede teardown so
// a failed pull leaves the running containers untouched.
func (b *Builder) Build(e api.HostEntry) ([]string, error) {
	if e.Kind == "" {
		e.Kind = api.KindGeneric
	}
	if !api.ValidEnvironment(b.Environment) {
		return nil, &catalog.ConfigError{Host: e.Name, Field: "environment", Msg: fmt.Sprintf("unknown environment %q", b.Environment)}
	}
	if err := catalog.ValidateEntry(e); err != nil {
		return nil, err
	}
	run, ok := strategies[e.Kind]
	if !ok {
		return nil, &catalog.ConfigError{Host: e.Name, Field: "kind", Msg: fmt.Sprintf("no strategy for kind %q", e.Kind)}
	}

	cmds := make([]string, 0, len(e.Volumes)+len(e.Images)+3*len(e.Containers)+2)
	for _, v := range e.Volumes {
		cmds = append(cmds, fmt.Sprintf("docker volume inspect %s >/dev/null 2>&1 || docker volume create %s", v, v))
	}
	for _, img := range e.Images {
		cmds = append(cmds, "docker pull "+img)
	}
	for _, c := range e.Containers {
		cmds = append(cmds,
			fmt.Sprintf("docker stop %s >/dev/null 2>&1 || true", c),
			fmt.Sprintf("docker rm %s >/dev/null 2>&1 || true", c),
		)
	}
	for i := range e.Containers {
		cmds = append(cmds, run(b, e, i))
	}
	if e.Settle > 0 {
		cmds = append(cmds, "sleep "+strconv.Itoa(int(math.Ceil(e.Settle.Seconds()))))
	}
	cmds = append(cmds, verify(e.Containers))
	return cmds, nil
}

func runGeneric(b *Builder, e api.HostEntry, i int) string {
	return b.runCommand(e, i, "")
}

func runWithVolume(b *Builder, e api.HostEntry, i int) string {
	if len(e.Volumes) == 0 {
		return b.runCommand(e, i, "")
	}
	mount := DefaultMountPath
	if len(e.MountPaths) > 0 {
		mount = e.MountPaths[i]
	}
	return b.runCommand(e, i, e.Volumes[i]+":"+mount)
}

func (b *Builder) runCommand(e api.HostEntry, i int, volume string) string {
	container := e.Containers[i]
	internal := e.Ports[i]
	if len(e.InternalPorts) > 0 {
		internal = e.InternalPorts[i]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "docker run -d --name %s -p %d:%d", container, e.Ports[i], internal)
	fmt.Fprintf(&sb, " --label %s=%s --label %s=%s", LabelEnvironment, b.Environment, LabelHost, e.Name)
	for _, kv := range e.Env[container] {
		sb.WriteString(" -e ")
		sb.WriteString(quote(kv))
	}
	if volume != "" {
		sb.WriteString(" -v ")
		sb.WriteString(volume)
	}
	sb.WriteString(" --restart always ")
	sb.WriteString(e.Images[i])
	return sb.String()
}

func verify(containers []string) string {
	return fmt.Sprintf("docker ps --format '{{.Names}}' | grep -E '^(%s)$'", strings.Join(containers, "|"))
}

var plain = regexp.MustCompile(`^[A-Za-z0-9_=.,:/@%+-]*$`)

// quote single-quotes s for sh unless it is made of inert characters only.
func quote(s string) string {
	if plain.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
