// Package pipeline reads YAML pipeline files and turns their jobs into loop
// tasks.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/pipe/internal/config"
)

// File is a parsed pipeline file.
type File struct {
	Name     string   `yaml:"name"`
	Settings Settings `yaml:"settings"`
	Jobs     []Job    `yaml:"jobs"`
}

// Settings override the loop configuration for one file.
type Settings struct {
	Tick         *time.Duration `yaml:"tick"`
	PollInterval *int64         `yaml:"poll_interval"`
	Workers      *int           `yaml:"workers"`
}

// Config converts the settings into config overrides.
func (s Settings) Config() config.Settings {
	return config.Settings{
		Tick:         s.Tick,
		PollInterval: s.PollInterval,
		Workers:      s.Workers,
	}
}

// Job is one entry of a pipeline. Exactly one of Argv, Monitor, Script, Call
// and Sleep selects its kind; Cron repeats it on a schedule.
type Job struct {
	Name string `yaml:"name"`

	// Process jobs.
	Argv    []string          `yaml:"argv"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
	Check   bool              `yaml:"check"`

	Monitor string         `yaml:"monitor"`
	Script  string         `yaml:"script"`
	Args    map[string]any `yaml:"args"`
	Call    *Call          `yaml:"call"`
	Sleep   *int64         `yaml:"sleep"`

	Cron  string `yaml:"cron"`
	Limit int    `yaml:"limit"`

	// Then lists jobs started only after this one completes successfully.
	Then []Job `yaml:"then"`
}

// Call runs a built-in function on the worker pool.
type Call struct {
	Func     string        `yaml:"func"`
	Duration time.Duration `yaml:"duration"`
}

// Job kinds.
const (
	KindProcess = "argv"
	KindMonitor = "monitor"
	KindScript  = "script"
	KindCall    = "call"
	KindSleep   = "sleep"
)

// Kinds returns every kind the job selects. A valid job has exactly one.
func (j Job) Kinds() []string {
	var kinds []string
	if len(j.Argv) > 0 {
		kinds = append(kinds, KindProcess)
	}
	if j.Monitor != "" {
		kinds = append(kinds, KindMonitor)
	}
	if j.Script != "" {
		kinds = append(kinds, KindScript)
	}
	if j.Call != nil {
		kinds = append(kinds, KindCall)
	}
	if j.Sleep != nil {
		kinds = append(kinds, KindSleep)
	}
	return kinds
}

// Kind returns the job's kind, or "" when it selects none or several.
func (j Job) Kind() string {
	kinds := j.Kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Parse decodes a pipeline file. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("YAML parse error: empty document")
		}
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	return &f, nil
}

// Load reads and parses the file at path. A file without a name is named
// after its base name.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f, nil
}

// Walk calls fn for every job, depth first, with its field path.
func (f *File) Walk(fn func(path string, j *Job, top bool)) {
	for i := range f.Jobs {
		walk(fmt.Sprintf("jobs[%d]", i), &f.Jobs[i], true, fn)
	}
}

func walk(path string, j *Job, top bool, fn func(string, *Job, bool)) {
	fn(path, j, top)
	for i := range j.Then {
		walk(fmt.Sprintf("%s.then[%d]", path, i), &j.Then[i], false, fn)
	}
}
