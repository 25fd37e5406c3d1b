/*
 * Copyright 2025 SREDiag Authors
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
 */

package queue

import (
	"fmt"

	"github.com/srediag/mirror-ring/pkg/mirror"
	"github.com/srediag/mirror-ring/pkg/telemetry"
)

const (
	defaultInitialCapacity = 64 << 10
)

// Config is the configuration of a Queue.
type Config struct {
	// InitialCapacity is rounded up to a multiple of the page size.
	InitialCapacity int

	// MaxCapacity bounds growth. Zero means unbounded. A MaxCapacity equal to
	// the rounded InitialCapacity gives a fixed-size queue.
	MaxCapacity int

	// HostMemoryGuard refuses growth that would not fit in the memory the
	// host reports as available.
	HostMemoryGuard bool

	// Allocator creates the backing regions; nil means mirror.DefaultAllocator().
	Allocator *mirror.Allocator

	// Metrics records growth; nil means telemetry.Default().
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a Config with an unbounded 64 KiB queue.
func DefaultConfig() *Config {
	return &Config{
		InitialCapacity: defaultInitialCapacity,
	}
}

// VerifyConfig checks that config describes a queue that can be created.
func VerifyConfig(config *Config) error {
	if config.InitialCapacity <= 0 {
		return fmt.Errorf("%w: initial capacity %d must be positive", ErrInvalidConfig, config.InitialCapacity)
	}
	if config.MaxCapacity < 0 {
		return fmt.Errorf("%w: max capacity %d must not be negative", ErrInvalidConfig, config.MaxCapacity)
	}
	if config.MaxCapacity > 0 && config.MaxCapacity < roundUp(config.InitialCapacity, mirror.PageSize()) {
		return fmt.Errorf("%w: max capacity %d is below initial capacity %d rounded to %d-byte pages",
			ErrInvalidConfig, config.MaxCapacity, config.InitialCapacity, mirror.PageSize())
	}
	return nil
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
