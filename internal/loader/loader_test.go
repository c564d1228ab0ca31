package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/juinit/internal/service"
)

const webTOML = `
[service]
name = "web"
description = "Web server"
type = "simple"

[service.exec]
start = "/usr/bin/web --port 8080"
stop = "/usr/bin/web-ctl shutdown"
working_directory = "/srv/web"
stop_timeout_seconds = 3

[service.environment]
PORT = "8080"
MixedCase = "kept"

[service.restart]
policy = "on-failure"
max_retries = 7

[service.dependencies]
after = ["network"]
`

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestParseFull(t *testing.T) {
	def, err := Parse([]byte(webTOML))
	require.NoError(t, err)
	assert.Equal(t, "web", def.Name)
	assert.Equal(t, service.TypeSimple, def.Type)
	assert.Equal(t, "/usr/bin/web --port 8080", def.Exec.Start)
	assert.Equal(t, "/usr/bin/web-ctl shutdown", def.Exec.Stop)
	assert.Equal(t, 3, def.Exec.StopTimeoutSeconds)
	assert.Equal(t, map[string]string{"PORT": "8080", "MixedCase": "kept"}, def.Environment)
	assert.Equal(t, service.PolicyOnFailure, def.Restart.Policy)
	assert.Equal(t, uint64(5), def.Restart.DelaySeconds, "delay defaults when omitted")
	assert.Equal(t, uint32(7), def.Restart.MaxRetries)
	assert.Equal(t, []string{"network"}, def.Dependencies.After)
}

func TestParseDefaults(t *testing.T) {
	def, err := Parse([]byte("[service]\nname = \"min\"\n[service.exec]\nstart = \"/bin/true\"\n"))
	require.NoError(t, err)
	assert.Equal(t, service.TypeSimple, def.Type)
	assert.Equal(t, service.PolicyNever, def.Restart.Policy)
	assert.Equal(t, uint64(5), def.Restart.DelaySeconds)
	assert.Equal(t, uint32(3), def.Restart.MaxRetries)
}

func TestParseZeroDelayIsKept(t *testing.T) {
	def, err := Parse([]byte("[service]\nname = \"z\"\n[service.exec]\nstart = \"x\"\n[service.restart]\npolicy = \"always\"\ndelay_seconds = 0\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), def.Restart.DelaySeconds)
	assert.Equal(t, service.PolicyAlways, def.Restart.Policy)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"syntax":         "[service\nname=",
		"no table":       "name = \"x\"",
		"no name":        "[service]\ndescription = \"d\"",
		"bad policy":     "[service]\nname = \"x\"\n[service.restart]\npolicy = \"sometimes\"",
		"bad type":       "[service]\nname = \"x\"\ntype = \"daemon\"",
		"unknown key":    "[service]\nname = \"x\"\nstartt = \"typo\"",
		"name with path": "[service]\nname = \"a/b\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadAllSkipsMalformedAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "10-web.toml", webTOML)
	write(t, dir, "20-broken.toml", "[service\n")
	write(t, dir, "30-dup.toml", "[service]\nname = \"web\"\n")
	write(t, dir, "40-db.toml", "[service]\nname = \"db\"\n[service.exec]\nstart = \"/bin/db\"\n")
	write(t, dir, "notes.txt", "not a service")
	write(t, dir, ".hidden.toml", "[service]\nname = \"hidden\"\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.toml"), 0o755))

	defs, err := LoadAll(dir, nil)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "web", defs[0].Name)
	assert.Equal(t, "/usr/bin/web --port 8080", defs[0].Exec.Start, "first file wins on duplicates")
	assert.Equal(t, "db", defs[1].Name)
}

func TestLoadAllMissingDir(t *testing.T) {
	defs, err := LoadAll(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoadFileWrapsPath(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "bad.toml", "[service]\n")
	_, err := LoadFile(filepath.Join(dir, "bad.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.toml")
}
