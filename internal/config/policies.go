package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QueuePolicy overrides the built-in policy of one queue. Zero values keep the default.
type QueuePolicy struct {
	Attempts    int `yaml:"attempts"`
	Concurrency int `yaml:"concurrency"`
	Backoff     struct {
		Type  string        `yaml:"type"`
		Delay time.Duration `yaml:"delay"`
	} `yaml:"backoff"`
	Retention *struct {
		KeepCompleted int `yaml:"keep_completed"`
		KeepFailed    int `yaml:"keep_failed"`
	} `yaml:"retention"`
}

// Policies maps queue name to its overrides.
type Policies map[string]QueuePolicy

// LoadPolicies reads queue policy overrides from a YAML file:
//
//	downloads:
//	  attempts: 5
//	  backoff:
//	    type: exponential
//	    delay: 2s
//	embeddings:
//	  retention:
//	    keep_completed: 100
//	    keep_failed: 20
//
// An empty path returns no overrides.
func LoadPolicies(path string) (Policies, error) {
	if path == "" {
		return Policies{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}

	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policies file: %w", err)
	}

	for queue, qp := range p {
		if qp.Attempts < 0 || qp.Concurrency < 0 {
			return nil, fmt.Errorf("queue %s: attempts and concurrency must not be negative", queue)
		}

		switch qp.Backoff.Type {
		case "", "fixed", "exponential":
		default:
			return nil, fmt.Errorf("queue %s: unknown backoff type %q", queue, qp.Backoff.Type)
		}
	}

	return p, nil
}
