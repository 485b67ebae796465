package model_test

import (
	"strings"
	"testing"

	"github.com/ivis-project/taskd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
verbose: true
database: /var/lib/taskd/taskd.db
retention_days: 30
support_package: /opt/ivis/python
elasticsearch:
  host: es.local
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.True(t, cfg.Verbose)
	require.Equal(t, "/var/lib/taskd/taskd.db", cfg.Database)
	require.Equal(t, "tasks", cfg.TasksDir)
	require.Equal(t, "python3", cfg.Python)
	require.Equal(t, 30, cfg.RetentionDays)
	require.True(t, cfg.RetentionEnabled())
	require.Equal(t, "/opt/ivis/python", cfg.SupportPackage)
	require.Equal(t, "es.local", cfg.Elasticsearch.Host)
	require.Equal(t, 9200, cfg.Elasticsearch.Port)
	require.Equal(t, "http://es.local:9200", cfg.ElasticsearchURL())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), cfg)
	require.False(t, cfg.RetentionEnabled())
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		code     string
	}{
		{"unknown field", "version: 0\nworkers: 4\n", "unknown_field"},
		{"negative retention", "version: 0\nretention_days: -1\n", ""},
		{"port type", "version: 0\nelasticsearch:\n  port: nine\n", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.ConfigErrDetails(err)
			require.NotEmpty(t, details)
			if tc.code != "" {
				require.Equal(t, tc.code, details[0].Code)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.TriggerDir = "/abs/triggers"
	got := cfg.Resolve("/etc/taskd/taskd.yaml")
	require.Equal(t, "/etc/taskd/taskd.db", got.Database)
	require.Equal(t, "/etc/taskd/tasks", got.TasksDir)
	require.Equal(t, "/abs/triggers", got.TriggerDir)
}
