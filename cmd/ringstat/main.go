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

// ringstat maps a ring buffer file read-only and prints its header state.
// It runs from a separate process while the daemon is live; the mapping is
// zero-copy and never disturbs the cursors.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/easternanemone/rudaq-sub000/internal/ring"
)

func main() {
	var (
		path  = flag.String("path", "/dev/shm/rudaq/daq.ring", "ring buffer file to inspect")
		watch = flag.Duration("watch", 0, "re-sample at this interval (0 prints once)")
	)
	flag.Parse()

	buf, err := ring.OpenReadOnly(*path)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *path, err)
	}
	defer buf.Close()

	for {
		st := buf.State()
		fmt.Printf("capacity:   %d bytes\n", st.Capacity)
		fmt.Printf("write cur:  %d\n", st.WriteCur)
		fmt.Printf("read cur:   %d\n", st.ReadCur)
		fmt.Printf("used:       %d bytes (%.1f%%)\n", st.Used, 100*float64(st.Used)/float64(st.Capacity))
		fmt.Printf("next seq:   %d\n", st.NextSeq)
		fmt.Printf("overruns:   %d records\n", st.Overruns)
		fmt.Printf("schema:     %d bytes\n", st.SchemaLen)
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
		fmt.Println()
	}
}
