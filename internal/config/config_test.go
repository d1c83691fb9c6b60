package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagaudit/internal/capture"
	"tagaudit/pkg/page"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tagaudit_", cfg.Sqlite.Prefix)
	assert.Equal(t, page.WaitLoad, cfg.Scan.WaitUntil)
	require.NotNil(t, cfg.Detection.MinConfidence)
	assert.Equal(t, 0.5, *cfg.Detection.MinConfidence)
	assert.Equal(t, 10, cfg.Pool.Capacity())
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
log:
  level: debug
  writer: [console, file]
  file: /tmp/tagaudit.log
sqlite:
  prefix: audit_
browser:
  devToolsURL: http://127.0.0.1:9222
pool:
  maxBrowsers: 3
  maxContextsPerBrowser: 2
  acquireTimeout: 5s
capture:
  network:
    excludeResourceTypes: [Image, Font]
  dataLayer:
    layers:
      - {name: dataLayer, kind: array}
      - {name: digitalData, kind: object}
detection:
  minConfidence: 0.6
  platforms: [ga4, gtm]
rules:
  files: [rules/ga4.yaml]
  haltOnError: true
  ruleTimeout: 2s
scan:
  waitUntil: networkidle
  settleTime: 500ms
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"console", "file"}, cfg.Log.Writer)
	assert.Equal(t, "/tmp/tagaudit.log", cfg.Log.Options().File)
	assert.Equal(t, "audit_", cfg.Sqlite.Prefix)
	assert.Equal(t, "tagaudit.sqlite3", cfg.Sqlite.DSN, "unset keys keep defaults")
	assert.Equal(t, "http://127.0.0.1:9222", cfg.Browser.DevToolsURL)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 6, cfg.Pool.Capacity())
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, []string{"Image", "Font"}, cfg.Capture.Network.ExcludeResourceTypes)
	assert.Equal(t, []capture.Layer{{Name: "dataLayer", Kind: capture.LayerArray}, {Name: "digitalData", Kind: capture.LayerObject}},
		cfg.Capture.DataLayer.Layers)
	require.NotNil(t, cfg.Detection.MinConfidence)
	assert.Equal(t, 0.6, *cfg.Detection.MinConfidence)
	assert.Equal(t, []string{"ga4", "gtm"}, cfg.Detection.Platforms)
	assert.Equal(t, []string{"rules/ga4.yaml"}, cfg.Rules.Files)
	assert.True(t, cfg.Rules.HaltOnError)
	assert.Equal(t, 2*time.Second, cfg.Rules.RuleTimeout)
	assert.Equal(t, 4, cfg.Rules.Concurrency)
	assert.Equal(t, page.WaitNetworkIdle, cfg.Scan.WaitUntil)
	assert.Equal(t, 500*time.Millisecond, cfg.Scan.SettleTime)
	assert.Equal(t, 30*time.Second, cfg.Scan.NavigationTimeout)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"log level", "log: {level: loud}", "unknown level"},
		{"log writer", "log: {writer: [syslog]}", "unknown writer"},
		{"pool", "pool: {minBrowsers: 4, maxBrowsers: 2}", "exceeds maxBrowsers"},
		{"confidence", "detection: {minConfidence: 1.5}", "minConfidence"},
		{"wait", "scan: {waitUntil: forever}", "unknown waitUntil"},
		{"layer kind", "capture: {dataLayer: {layers: [{name: dl, kind: queue}]}}", "unknown kind"},
		{"yaml", "pool: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
