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

// daqd is the acquisition daemon: it owns the mapped ring buffer, tees
// published batches to subscribers and runs the background archiver.
// Instrument drivers publish through the tee; with --simulate a built-in
// sine source stands in for them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/easternanemone/rudaq-sub000/internal/archive"
	"github.com/easternanemone/rudaq-sub000/internal/config"
	"github.com/easternanemone/rudaq-sub000/internal/health"
	"github.com/easternanemone/rudaq-sub000/internal/record"
	"github.com/easternanemone/rudaq-sub000/internal/ring"
	"github.com/easternanemone/rudaq-sub000/internal/tee"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration (defaults apply when empty)")
		simulate   = flag.Bool("simulate", false, "publish a built-in sine-wave source")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if err := run(log, *configPath, *simulate); err != nil {
		log.Fatal().Err(err).Msg("daqd exited with error")
	}
}

func run(log zerolog.Logger, configPath string, simulate bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	schema, err := record.SchemaBytes("daq", "")
	if err != nil {
		return err
	}
	buf, err := ring.Create(cfg.Buffer.Path, ring.Options{
		Capacity: cfg.Buffer.CapacityBytes,
		Policy:   policy,
		Schema:   schema,
		Reuse:    true,
	})
	if err != nil {
		return fmt.Errorf("open ring buffer: %w", err)
	}
	defer buf.Close()
	log.Info().Str("path", buf.Path()).Uint64("capacity", buf.Capacity()).
		Str("policy", policy.String()).Msg("ring buffer mapped")

	dist := tee.New(buf, tee.Options{
		RescueDepth:         cfg.Queue.Depth,
		BackpressureTimeout: cfg.Queue.BackpressureTimeout.Std(),
		Logger:              log.With().Str("component", "tee").Logger(),
	})
	defer dist.Close()

	arch, err := archive.New(buf, dist, archive.Options{
		Dir:           cfg.Archive.Dir,
		Prefix:        cfg.Archive.Prefix,
		FlushInterval: cfg.Archive.FlushInterval.Std(),
		MaxRetries:    cfg.Archive.MaxRetries,
		Logger:        log.With().Str("component", "archive").Logger(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := arch.Run(ctx); err != nil {
			log.Error().Err(err).Msg("archiver stopped")
		}
	}()

	reporter := health.New(buf, dist, arch, cfg.Archive.Dir)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reporter.Log(log)
			case err := <-arch.Fatal():
				log.Error().Err(err).Msg("durable storage lost, acquisition continues lossy")
			case <-ctx.Done():
				return
			}
		}
	}()

	if simulate {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSineSource(ctx, log, dist)
		}()
	}

	log.Info().Msg("daqd running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	wg.Wait()

	reporter.Log(log)
	return nil
}

// runSineSource publishes 100-sample batches of a 1 Hz sine at roughly
// 1 kHz sample rate until ctx ends.
func runSineSource(ctx context.Context, log zerolog.Logger, dist *tee.Distributor) {
	const (
		batchSamples = 100
		sampleEvery  = time.Millisecond
	)
	ticker := time.NewTicker(batchSamples * sampleEvery)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b := &record.Batch{Channel: "sim.sine", Unit: "V"}
		base := time.Now().Add(-batchSamples * sampleEvery)
		for s := 0; s < batchSamples; s++ {
			ts := base.Add(time.Duration(s) * sampleEvery)
			b.Times = append(b.Times, ts.UnixNano())
			b.Values = append(b.Values, math.Sin(2*math.Pi*float64(ts.UnixNano())/float64(time.Second)))
		}
		if _, err := dist.Publish(ctx, b); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, tee.ErrClosed) {
				return
			}
			log.Warn().Err(err).Int("batch", i).Msg("simulated publish failed")
		}
	}
}
