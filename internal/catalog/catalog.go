package catalog

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// ConfigError is a configuration problem with a single host or with the
// catalog itself. It is never retried.
type ConfigError struct {
	Host  string
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Host != "" && e.Field != "":
		return fmt.Sprintf("configuration error: host %s: %s: %s", e.Host, e.Field, e.Msg)
	case e.Host != "":
		return fmt.Sprintf("configuration error: host %s: %s", e.Host, e.Msg)
	default:
		return fmt.Sprintf("configuration error: %s", e.Msg)
	}
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Catalog maps logical host names to their entries. It is read-only after
// construction; Lookup and Entries hand out copies.
type Catalog struct {
	entries []api.HostEntry
	index   map[string]int
	order   []string
}

// New builds a catalog. Names must be unique and non-empty; per-entry
// validation is deferred to ValidateEntry so a malformed host only affects
// its own deployment. An empty order means tier order.
func New(entries []api.HostEntry, order []string) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return nil, &ConfigError{Msg: "host entry without name"}
		}
		if _, dup := c.index[e.Name]; dup {
			return nil, &ConfigError{Host: e.Name, Msg: "duplicate host name"}
		}
		if e.Kind == "" {
			e.Kind = api.KindGeneric
		}
		if e.Tier == "" {
			e.Tier = api.TierApplication
		}
		c.index[e.Name] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	seen := map[string]bool{}
	for _, name := range order {
		if seen[name] {
			return nil, &ConfigError{Host: name, Msg: "listed twice in rollout order"}
		}
		seen[name] = true
	}
	c.order = append([]string(nil), order...)
	return c, nil
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (api.HostEntry, bool) {
	i, ok := c.index[name]
	if !ok {
		return api.HostEntry{}, false
	}
	return cloneEntry(c.entries[i]), true
}

// Entries returns all entries in declaration order.
func (c *Catalog) Entries() []api.HostEntry {
	out := make([]api.HostEntry, len(c.entries))
	for i, e := range c.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

func cloneEntry(e api.HostEntry) api.HostEntry {
	e.Images = slices.Clone(e.Images)
	e.Containers = slices.Clone(e.Containers)
	e.Ports = slices.Clone(e.Ports)
	e.Volumes = slices.Clone(e.Volumes)
	e.InternalPorts = slices.Clone(e.InternalPorts)
	e.MountPaths = slices.Clone(e.MountPaths)
	if e.Env != nil {
		env := make(map[string][]string, len(e.Env))
		for k, v := range e.Env {
			env[k] = slices.Clone(v)
		}
		e.Env = env
	}
	return e
}

// Names returns host names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Name)
	}
	return names
}

// Len returns the number of hosts.
func (c *Catalog) Len() int { return len(c.entries) }

// Order returns the rollout order. An explicit order is returned as is, even
// if it names hosts the catalog does not know; otherwise hosts are sorted by
// tier rank, keeping declaration order within a tier.
func (c *Catalog) Order() []string {
	if len(c.order) > 0 {
		return append([]string(nil), c.order...)
	}
	entries := c.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return rolloutRank(entries[i].Tier) < rolloutRank(entries[j].Tier)
	})
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// rolloutRank places unknown tiers after every known one.
func rolloutRank(t api.HostTier) int {
	if r := t.Rank(); r >= 0 {
		return r
	}
	return math.MaxInt
}

// Validate checks every entry and returns all problems joined.
func (c *Catalog) Validate() error {
	var errs []error
	for _, e := range c.entries {
		if err := ValidateEntry(e); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range c.order {
		if _, ok := c.index[name]; !ok {
			errs = append(errs, &ConfigError{Host: name, Msg: "in rollout order but not in catalog"})
		}
	}
	return errors.Join(errs...)
}

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	imageRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/:@-]*$`)
	pathRe  = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
	envRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
)

// ValidateEntry checks the index-correspondence invariants and that every
// value is safe to place on a shell command line.
func ValidateEntry(e api.HostEntry) error {
	bad := func(field, format string, args ...any) error {
		return &ConfigError{Host: e.Name, Field: field, Msg: fmt.Sprintf(format, args...)}
	}
	if !nameRe.MatchString(e.Name) {
		return bad("name", "invalid host name %q", e.Name)
	}
	if !e.Kind.Valid() {
		return bad("kind", "unknown host kind %q", e.Kind)
	}
	if e.Tier != "" && e.Tier.Rank() < 0 {
		return bad("tier", "unknown tier %q", e.Tier)
	}
	n := len(e.Images)
	if n == 0 {
		return bad("images", "at least one image is required")
	}
	if len(e.Containers) != n || len(e.Ports) != n {
		return bad("images", "images (%d), containers (%d) and ports (%d) must have the same length",
			n, len(e.Containers), len(e.Ports))
	}
	if len(e.Volumes) > 0 && len(e.Volumes) != n {
		return bad("volumes", "expected %d volumes, got %d", n, len(e.Volumes))
	}
	if len(e.InternalPorts) > 0 && len(e.InternalPorts) != n {
		return bad("internal_ports", "expected %d internal ports, got %d", n, len(e.InternalPorts))
	}
	if len(e.MountPaths) > 0 && len(e.MountPaths) != n {
		return bad("mount_paths", "expected %d mount paths, got %d", n, len(e.MountPaths))
	}
	if e.Kind == api.KindDatabase && len(e.Volumes) == 0 {
		return bad("volumes", "database hosts require one volume per container")
	}
	containers := map[string]bool{}
	for i := 0; i < n; i++ {
		if !imageRe.MatchString(e.Images[i]) {
			return bad("images", "invalid image reference %q", e.Images[i])
		}
		if !nameRe.MatchString(e.Containers[i]) {
			return bad("containers", "invalid container name %q", e.Containers[i])
		}
		if containers[e.Containers[i]] {
			return bad("containers", "duplicate container name %q", e.Containers[i])
		}
		containers[e.Containers[i]] = true
		if e.Ports[i] < 1 || e.Ports[i] > 65535 {
			return bad("ports", "port %d out of range", e.Ports[i])
		}
		if len(e.InternalPorts) > 0 && (e.InternalPorts[i] < 1 || e.InternalPorts[i] > 65535) {
			return bad("internal_ports", "port %d out of range", e.InternalPorts[i])
		}
		if len(e.Volumes) > 0 && !nameRe.MatchString(e.Volumes[i]) {
			return bad("volumes", "invalid volume name %q", e.Volumes[i])
		}
		if len(e.MountPaths) > 0 && !pathRe.MatchString(e.MountPaths[i]) {
			return bad("mount_paths", "invalid mount path %q", e.MountPaths[i])
		}
	}
	for name, vars := range e.Env {
		if !containers[name] {
			return bad("env", "env for unknown container %q", name)
		}
		for _, kv := range vars {
			if !envRe.MatchString(kv) {
				return bad("env", "invalid variable %q for %s", kv, name)
			}
		}
	}
	if e.Settle < 0 || e.Timeout < 0 {
		return bad("timeout", "durations must not be negative")
	}
	return nil
}
