package model

import (
	"fmt"
	"io"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version        int           `json:"version" yaml:"version"` // fixed 0 for now
	Verbose        bool          `json:"verbose" yaml:"verbose"`
	Database       string        `json:"database" yaml:"database"`
	TasksDir       string        `json:"tasks_dir" yaml:"tasks_dir"`
	Python         string        `json:"python" yaml:"python"`
	PipIndex       string        `json:"pip_index,omitempty" yaml:"pip_index,omitempty"`
	SupportPackage string        `json:"support_package,omitempty" yaml:"support_package,omitempty"`
	RetentionDays  int           `json:"retention_days" yaml:"retention_days"`
	TriggerDir     string        `json:"trigger_dir,omitempty" yaml:"trigger_dir,omitempty"`
	Elasticsearch  Elasticsearch `json:"elasticsearch" yaml:"elasticsearch"`
}

// Elasticsearch is the connection handed to every running task.
type Elasticsearch struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// DefaultConfig returns the configuration produced by the schema defaults.
func DefaultConfig() Config {
	return Config{
		Version:  0,
		Database: "taskd.db",
		TasksDir: "tasks",
		Python:   "python3",
		Elasticsearch: Elasticsearch{
			Host: "localhost",
			Port: 9200,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Resolve makes relative paths in c relative to the directory of the
// config file.
func (c Config) Resolve(configPath string) Config {
	if configPath == "" {
		return c
	}
	base := filepath.Dir(configPath)
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Database = abs(c.Database)
	c.TasksDir = abs(c.TasksDir)
	c.TriggerDir = abs(c.TriggerDir)
	return c
}

// RetentionEnabled reports whether finished runs are deleted at all.
func (c Config) RetentionEnabled() bool {
	return c.RetentionDays > 0
}

func (c Config) ElasticsearchURL() string {
	return fmt.Sprintf("http://%s:%d", c.Elasticsearch.Host, c.Elasticsearch.Port)
}
