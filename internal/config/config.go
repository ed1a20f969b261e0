/*
 *
 * Copyright 2025 The rudaq Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/easternanemone/rudaq-sub000/internal/ring"
)

// Defaults applied by Load for omitted fields.
const (
	DefaultBufferPath          = "/dev/shm/rudaq/daq.ring"
	DefaultArchiveDir          = "/var/lib/rudaq"
	DefaultArchivePrefix       = "session"
	DefaultQueueDepth          = 1024
	DefaultBackpressureTimeout = 250 * time.Millisecond
	DefaultFlushInterval       = time.Second
	DefaultMaxRetries          = 5
)

// Duration parses YAML strings like "250ms" or "1s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Buffer configures the mapped ring buffer.
type Buffer struct {
	Path           string `yaml:"path"`
	CapacityBytes  uint64 `yaml:"capacity_bytes"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// Queue configures the reliable queue and the producer's patience.
type Queue struct {
	Depth               int      `yaml:"depth"`
	BackpressureTimeout Duration `yaml:"backpressure_timeout"`
}

// Archive configures the durable segment writer.
type Archive struct {
	Dir           string   `yaml:"dir"`
	Prefix        string   `yaml:"prefix"`
	FlushInterval Duration `yaml:"flush_interval"`
	MaxRetries    int      `yaml:"max_retries"`
}

// Config is the daemon configuration.
type Config struct {
	Buffer  Buffer  `yaml:"buffer"`
	Queue   Queue   `yaml:"queue"`
	Archive Archive `yaml:"archive"`
}

// Default returns the configuration used when no file is given. The
// shipped overflow policy is overwrite-oldest: with the reliable queue in
// place it keeps durability while the archiver is alive, and the producer
// must never stall on a slow disk.
func Default() Config {
	return Config{
		Buffer: Buffer{
			Path:           DefaultBufferPath,
			CapacityBytes:  ring.DefaultCapacity,
			OverflowPolicy: ring.PolicyOverwriteOldest.String(),
		},
		Queue: Queue{
			Depth:               DefaultQueueDepth,
			BackpressureTimeout: Duration(DefaultBackpressureTimeout),
		},
		Archive: Archive{
			Dir:           DefaultArchiveDir,
			Prefix:        DefaultArchivePrefix,
			FlushInterval: Duration(DefaultFlushInterval),
			MaxRetries:    DefaultMaxRetries,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Policy maps the configured overflow policy name onto the ring policy.
func (c *Config) Policy() (ring.Policy, error) {
	switch c.Buffer.OverflowPolicy {
	case ring.PolicyBlock.String():
		return ring.PolicyBlock, nil
	case ring.PolicyOverwriteOldest.String():
		return ring.PolicyOverwriteOldest, nil
	default:
		return 0, fmt.Errorf("config: buffer.overflow_policy: unknown policy %q (want \"block\" or \"overwrite-oldest\")",
			c.Buffer.OverflowPolicy)
	}
}

// Validate rejects configurations the pipeline cannot run with. Errors
// name the offending field.
func (c *Config) Validate() error {
	if c.Buffer.Path == "" {
		return fmt.Errorf("config: buffer.path: must not be empty")
	}
	if c.Buffer.CapacityBytes < ring.MinCapacity {
		return fmt.Errorf("config: buffer.capacity_bytes: %d below minimum %d",
			c.Buffer.CapacityBytes, ring.MinCapacity)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("config: queue.depth: must be positive, got %d", c.Queue.Depth)
	}
	if c.Queue.BackpressureTimeout.Std() <= 0 {
		return fmt.Errorf("config: queue.backpressure_timeout: must be positive, got %s",
			c.Queue.BackpressureTimeout.Std())
	}
	if c.Archive.Dir == "" {
		return fmt.Errorf("config: archive.dir: must not be empty")
	}
	if c.Archive.Prefix == "" {
		return fmt.Errorf("config: archive.prefix: must not be empty")
	}
	if c.Archive.FlushInterval.Std() <= 0 {
		return fmt.Errorf("config: archive.flush_interval: must be positive, got %s",
			c.Archive.FlushInterval.Std())
	}
	if c.Archive.MaxRetries <= 0 {
		return fmt.Errorf("config: archive.max_retries: must be positive, got %d", c.Archive.MaxRetries)
	}
	return nil
}
