package queue

import (
	"fmt"
	"os"

	"sitespeed/internal/core/job"

	"gopkg.in/yaml.v3"
)

// Table maps every region to its durable queue.
type Table map[job.Region]string

// DefaultQueues is the built-in region -> queue binding.
func DefaultQueues() Table {
	return Table{
		job.RegionUS:    "us_queue",
		job.RegionEU:    "eu_queue",
		job.RegionAsia:  "asia_queue",
		job.RegionIndia: "india_queue",
	}
}

type queuesFile struct {
	Queues map[string]string `yaml:"queues"`
}

// LoadQueues reads a YAML override of the form
//
//	queues:
//	  us: us_queue
//	  eu: eu_queue
//
// An empty path returns DefaultQueues.
func LoadQueues(path string) (Table, error) {
	if path == "" {
		return DefaultQueues(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("queue: read %s: %w", path, err)
	}
	var f queuesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("queue: parse %s: %w", path, err)
	}

	t := Table{}
	for name, q := range f.Queues {
		r, err := job.ParseRegion(name)
		if err != nil {
			return nil, fmt.Errorf("queue: %s: unknown region %q", path, name)
		}
		t[r] = q
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("queue: %s: %w", path, err)
	}
	return t, nil
}

// Validate requires one non-empty, distinct queue per region.
func (t Table) Validate() error {
	seen := make(map[string]job.Region, len(t))
	for _, r := range job.Regions() {
		q, ok := t[r]
		if !ok || q == "" {
			return fmt.Errorf("no queue for region %s", r)
		}
		if other, dup := seen[q]; dup {
			return fmt.Errorf("regions %s and %s share queue %q", other, r, q)
		}
		seen[q] = r
	}
	return nil
}

// Queue returns the queue bound to r.
func (t Table) Queue(r job.Region) (string, bool) {
	q, ok := t[r]
	return q, ok
}
