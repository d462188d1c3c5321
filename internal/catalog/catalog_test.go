package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

func entry(name string, tier api.HostTier) api.HostEntry {
	return api.HostEntry{
		Name:       name,
		Tier:       tier,
		Images:     []string{name + ":latest"},
		Containers: []string{name},
		Ports:      []int{8080},
	}
}

func TestDefaultCatalogIsValid(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, 10, c.Len())

	assert.Equal(t, []string{
		"EC2-DB", "EC2-Messaging", "EC2-Bastion", "EC2-CORE", "EC2-API-Gateway",
		"EC2-Reportes", "EC2-Notificaciones", "EC2-Analytics", "EC2-Monitoring", "EC2-Frontend",
	}, c.Order())

	db, ok := c.Lookup("EC2-DB")
	require.True(t, ok)
	assert.Equal(t, api.KindDatabase, db.Kind)
	assert.Equal(t, 20*time.Minute, db.Timeout)
	assert.Equal(t, []string{"POSTGRES_PASSWORD=postgres"}, db.Env["postgres"])

	msg, ok := c.Lookup("EC2-Messaging")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, msg.Settle)
	assert.Equal(t, api.KindGeneric, msg.Kind)
}

func TestLookupUnknown(t *testing.T) {
	c, err := New([]api.HostEntry{entry("db", api.TierData)}, nil)
	require.NoError(t, err)
	_, ok := c.Lookup("nope")
	assert.False(t, ok)
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]api.HostEntry{entry("db", api.TierData), entry("db", api.TierData)}, nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	_, err = New([]api.HostEntry{entry("db", api.TierData)}, []string{"db", "db"})
	assert.True(t, IsConfigError(err))
}

func TestOrderByTierIsStable(t *testing.T) {
	c, err := New([]api.HostEntry{
		entry("frontend", api.TierEdge),
		entry("core", api.TierApplication),
		entry("db", api.TierData),
		entry("reports", api.TierApplication),
		entry("kafka", api.TierMessaging),
	}, nil)
	require.NoError(t, err)

	want := []string{"db", "kafka", "core", "reports", "frontend"}
	for i := 0; i < 20; i++ {
		assert.Equal(t, want, c.Order())
	}
}

func TestUnknownTierRollsOutLast(t *testing.T) {
	c, err := New([]api.HostEntry{
		entry("core", api.TierApplication),
		entry("typo", api.HostTier("applicaton")),
		entry("db", api.TierData),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "core", "typo"}, c.Order())
}

func TestLookupReturnsCopy(t *testing.T) {
	e := entry("core", api.TierApplication)
	e.Env = map[string][]string{"core": {"A=1"}}
	c, err := New([]api.HostEntry{e}, nil)
	require.NoError(t, err)

	got, ok := c.Lookup("core")
	require.True(t, ok)
	got.Images[0] = "evil:latest"
	got.Env["core"][0] = "A=2"
	all := c.Entries()
	all[0].Containers[0] = "other"

	again, _ := c.Lookup("core")
	assert.Equal(t, "core:latest", again.Images[0])
	assert.Equal(t, "A=1", again.Env["core"][0])
	assert.Equal(t, "core", again.Containers[0])
}

func TestExplicitOrderWins(t *testing.T) {
	c, err := New([]api.HostEntry{entry("db", api.TierData), entry("core", api.TierApplication)},
		[]string{"core", "db", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "db", "ghost"}, c.Order())

	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateEntry(t *testing.T) {
	ok := entry("core", api.TierApplication)
	require.NoError(t, ValidateEntry(ok))

	cases := map[string]func(e *api.HostEntry){
		"length mismatch":  func(e *api.HostEntry) { e.Ports = []int{1, 2} },
		"no images":        func(e *api.HostEntry) { e.Images, e.Containers, e.Ports = nil, nil, nil },
		"volume mismatch":  func(e *api.HostEntry) { e.Volumes = []string{"a", "b"} },
		"unknown kind":     func(e *api.HostEntry) { e.Kind = "cache" },
		"unknown tier":     func(e *api.HostEntry) { e.Tier = "middle" },
		"db no volumes":    func(e *api.HostEntry) { e.Kind = api.KindDatabase },
		"shell in image":   func(e *api.HostEntry) { e.Images = []string{"nginx;rm -rf /"} },
		"bad port":         func(e *api.HostEntry) { e.Ports = []int{70000} },
		"env for stranger": func(e *api.HostEntry) { e.Env = map[string][]string{"other": {"A=1"}} },
		"env without key":  func(e *api.HostEntry) { e.Env = map[string][]string{"core": {"=1"}} },
		"relative mount":   func(e *api.HostEntry) { e.Volumes, e.MountPaths = []string{"v"}, []string{"data"} },
		"negative timeout": func(e *api.HostEntry) { e.Timeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := entry("core", api.TierApplication)
			e.Kind = api.KindGeneric
			mutate(&e)
			err := ValidateEntry(e)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
hosts:
  - name: web
    tier: edge
    images: [nginx:1.27]
    containers: [web]
    ports: [80]
    timeout: 90s
  - name: cache
    tier: data
    kind: database
    images: [redis:7]
    containers: [redis]
    ports: [6379]
    volumes: [redis_data]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"cache", "web"}, c.Order())

	web, _ := c.Lookup("web")
	assert.Equal(t, 90*time.Second, web.Timeout)
	assert.Equal(t, api.KindGeneric, web.Kind)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("hosts: [ {"))
	assert.True(t, IsConfigError(err))
}
