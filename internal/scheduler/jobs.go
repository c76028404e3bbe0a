package scheduler

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firefly-engineering/warden/internal/config"
)

// DefaultJobTimeout applies to jobs that set none.
const DefaultJobTimeout = 5 * time.Minute

// Job is one scheduled sandbox run.
type Job struct {
	ID      string        `yaml:"id"`
	GroupID string        `yaml:"group"`
	ChatID  string        `yaml:"chat,omitempty"`
	Cron    string        `yaml:"cron,omitempty"`
	Every   time.Duration `yaml:"every,omitempty"`
	At      string        `yaml:"at,omitempty"` // RFC 3339
	Prompt  string        `yaml:"prompt,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Secrets []string      `yaml:"secrets,omitempty"`

	schedule Schedule
}

// Schedule returns the parsed schedule. It is nil until Compile succeeds.
func (j *Job) Schedule() Schedule { return j.schedule }

// OneShot reports whether the job runs a single time.
func (j *Job) OneShot() bool {
	_, ok := j.schedule.(Once)
	return ok
}

// Compile validates the job and parses exactly one of cron, every or at.
func (j *Job) Compile(loc *time.Location) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := config.ValidateGroupID(j.GroupID); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("job %s: timeout cannot be negative", j.ID)
	}
	if j.Timeout == 0 {
		j.Timeout = DefaultJobTimeout
	}

	set := 0
	if j.Cron != "" {
		set++
		s, err := ParseCron(j.Cron, loc)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.schedule = s
	}
	if j.Every != 0 {
		set++
		if j.Every < time.Minute {
			return fmt.Errorf("job %s: every must be at least 1m", j.ID)
		}
		j.schedule = Every(j.Every)
	}
	if j.At != "" {
		set++
		at, err := time.Parse(time.RFC3339, j.At)
		if err != nil {
			return fmt.Errorf("job %s: at: %w", j.ID, err)
		}
		j.schedule = Once(at)
	}
	if set != 1 {
		return fmt.Errorf("job %s: exactly one of cron, every or at is required", j.ID)
	}
	return nil
}

type jobsFile struct {
	Timezone string `yaml:"timezone,omitempty"`
	Jobs     []*Job `yaml:"jobs"`
}

// ParseJobs decodes a jobs document and compiles every job.
func ParseJobs(data []byte) ([]*Job, error) {
	var f jobsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse jobs: %w", err)
	}

	loc := time.UTC
	if f.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(f.Timezone); err != nil {
			return nil, fmt.Errorf("jobs timezone: %w", err)
		}
	}

	seen := make(map[string]bool, len(f.Jobs))
	for _, j := range f.Jobs {
		if err := j.Compile(loc); err != nil {
			return nil, err
		}
		if seen[j.ID] {
			return nil, fmt.Errorf("duplicate job id %s", j.ID)
		}
		seen[j.ID] = true
	}
	sort.Slice(f.Jobs, func(a, b int) bool { return f.Jobs[a].ID < f.Jobs[b].ID })
	return f.Jobs, nil
}

// LoadJobs reads a jobs file. A missing file yields no jobs.
func LoadJobs(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	return ParseJobs(data)
}
