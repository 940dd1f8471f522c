package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorviizheng/thr/internal/wire"
)

const sampleYAML = `
rules:
  - criteria:
      path:
        values: ["/health"]
    actions:
      - name: set_status_code
        value: 200
    stop: true
  - criteria:
      host:
        values: ["api.example.com"]
        pattern: glob
    actions:
      - name: set_redis_queue
        value: api-queue
queues:
  - name: api
    redis_host: 127.0.0.1
    redis_port: 6379
    lists: ["thr:queue:api"]
    upstream_host: 127.0.0.1
    upstream_port: 9000
    workers: 4
limits:
  - name: per-tag
    hash_fn: header:x-thr-tag
    per_value: true
    max: 5
    show_in_stats: true
`

func TestLoadParsesFullDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Rules, 2)
	require.Len(t, doc.Queues, 1)
	require.Len(t, doc.Limits, 1)
	assert.Equal(t, "api", doc.Queues[0].Name)
	assert.Equal(t, 4, doc.Queues[0].Workers)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildRuleTranslatesLiteralAndGlobCriteria(t *testing.T) {
	doc, err := parseString(sampleYAML)
	require.NoError(t, err)

	h := NewHandlerRegistry()
	rule, err := h.BuildRule(doc.Rules[0])
	require.NoError(t, err)
	assert.True(t, rule.Stop)

	rule2, err := h.BuildRule(doc.Rules[1])
	require.NoError(t, err)
	assert.False(t, rule2.Stop)
}

func TestBuildRuleRejectsUnknownActionHandler(t *testing.T) {
	h := NewHandlerRegistry()
	_, err := h.BuildRule(RuleSpec{
		Actions: []ActionSpec{{Name: "set_status_code", Handler: "does-not-exist"}},
	})
	assert.Error(t, err)
}

func TestBuildLimitRequiresRegisteredHashFunc(t *testing.T) {
	h := NewHandlerRegistry()
	_, err := h.BuildLimit(LimitSpec{Name: "lim", HashFn: "missing", Max: 1})
	assert.Error(t, err)

	h.RegisterHash("const", func(req *wire.Request) (string, bool) { return "x", true })
	lim, err := h.BuildLimit(LimitSpec{Name: "lim", HashFn: "const", PerValue: true, Max: 1})
	require.NoError(t, err)
	assert.Equal(t, "lim", lim.Name)
	assert.True(t, lim.PerValue)
}

func TestBuildQueueWorkersDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, BuildQueueWorkers(QueueSpec{}))
	assert.Equal(t, 4, BuildQueueWorkers(QueueSpec{Workers: 4}))
}

func parseString(s string) (*Document, error) {
	dir, err := os.MkdirTemp("", "thrcfg")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "c.yaml")
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		return nil, err
	}
	return Load(path)
}
