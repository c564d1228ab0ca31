package env

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestMergeIsAdditive(t *testing.T) {
	e := FromList([]string{"PATH=/bin", "HOME=/root"})
	out := e.Merge(map[string]string{"PORT": "8080"})
	assert.Equal(t, []string{"HOME=/root", "PATH=/bin", "PORT=8080"}, out)
}

func TestMergePrecedence(t *testing.T) {
	e := FromList([]string{"A=base", "B=base"}).WithGlobal([]string{"B=global", "C=global"})
	out := e.Merge(map[string]string{"C": "svc"})
	assert.Equal(t, []string{"A=base", "B=global", "C=svc"}, out)
}

func TestMergeExpands(t *testing.T) {
	e := FromList([]string{"ROOT=/srv"})
	out := e.Merge(map[string]string{"DATA": "${ROOT}/data", "KEEP": "$NOT_BRACED", "MISSING": "${NOPE}"})
	assert.Contains(t, out, "DATA=/srv/data")
	assert.Contains(t, out, "MISSING=${NOPE}")
	assert.Contains(t, out, "KEEP=$NOT_BRACED")
}

func TestMalformedEntriesSkipped(t *testing.T) {
	e := FromList([]string{"=nokey", "novalue", "OK=1"})
	out := e.Merge(map[string]string{"": "x"})
	assert.Equal(t, []string{"OK=1"}, out)
}

func TestMergePrecedenceProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("service value wins and keys stay unique", prop.ForAll(
		func(key, base, global, svc string) bool {
			e := FromList([]string{key + "=" + base}).WithGlobal([]string{key + "=" + global})
			out := e.Merge(map[string]string{key: svc})
			seen := map[string]bool{}
			found := false
			for _, kv := range out {
				k, v, _ := strings.Cut(kv, "=")
				if seen[k] {
					return false
				}
				seen[k] = true
				if k == key {
					found = v == svc
				}
			}
			return found
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C", "${B}-y")
	f.Add("FOO=bar", "FOO", "${FOO}")
	f.Fuzz(func(t *testing.T, base, key, val string) {
		e := FromList(strings.Split(base, "\n"))
		for _, kv := range e.Merge(map[string]string{key: val}) {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
