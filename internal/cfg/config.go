/*
 *
 * Copyright 2025 gRPC authors.
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

package cfg

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/localbus/shmbus/internal/transport/shm"
	"github.com/rs/zerolog/log"
)

// SHMConfiguration controls the shared memory transport
type SHMConfiguration struct {
	Directory                   string `toml:"directory"` // "" = /dev/shm, falling back to the temp dir
	MemfileMinSizeBytes         uint64 `toml:"memfile_min_size_bytes"`
	MemfileReservePercent       uint64 `toml:"memfile_reserve_percent"` // Headroom added when a channel grows
	MemfileAckTimeoutMS         int    `toml:"memfile_ack_timeout_ms"`  // 0 = writers never wait for readers
	AccessTimeoutMS             int    `toml:"access_timeout_ms"`       // Segment mutex timeout
	ZeroCopy                    bool   `toml:"zero_copy"`
	AutoSanitize                bool   `toml:"auto_sanitize"` // Take over mutexes of crashed processes
	ObserverPollIntervalMS      int    `toml:"observer_poll_interval_ms"`
	ObserverInactivityTimeoutMS int    `toml:"observer_inactivity_timeout_ms"`
	PoolCleanupIntervalMS       int    `toml:"pool_cleanup_interval_ms"`
}

// RegistrationConfiguration controls the broadcast channel
type RegistrationConfiguration struct {
	BroadcastName    string `toml:"broadcast_name"`
	QueueSize        uint64 `toml:"queue_size"`
	Loopback         bool   `toml:"loopback"`
	PayloadCacheSize int    `toml:"payload_cache_size"` // Payload memfiles a reader keeps open
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	SHM          SHMConfiguration          `toml:"shm"`
	Registration RegistrationConfiguration `toml:"registration"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "shmbus.toml", "Path to configuration file")
	ShmDirFlag     = flag.String("shm-dir", "", "Directory holding segment files (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
)

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		SHM: SHMConfiguration{
			MemfileMinSizeBytes:         4096,
			MemfileReservePercent:       50,
			MemfileAckTimeoutMS:         0,
			AccessTimeoutMS:             100,
			ZeroCopy:                    false,
			AutoSanitize:                true,
			ObserverPollIntervalMS:      20,
			ObserverInactivityTimeoutMS: 5000,
			PoolCleanupIntervalMS:       1000,
		},
		Registration: RegistrationConfiguration{
			BroadcastName:    "shmbus_broadcast",
			QueueSize:        1024,
			Loopback:         false,
			PayloadCacheSize: 256,
		},
		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9465,
		},
	}
}

// Config holds the active configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *ShmDirFlag != "" {
		Config.SHM.Directory = *ShmDirFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	s := Config.SHM
	if s.MemfileMinSizeBytes == 0 {
		return fmt.Errorf("memfile minimum size must be > 0")
	}
	if s.MemfileReservePercent > 1000 {
		return fmt.Errorf("memfile reserve percent must be <= 1000, got %d", s.MemfileReservePercent)
	}
	if s.MemfileAckTimeoutMS < 0 {
		return fmt.Errorf("memfile ack timeout must be >= 0")
	}
	if s.AccessTimeoutMS < 0 {
		return fmt.Errorf("access timeout must be >= 0")
	}
	if s.ObserverPollIntervalMS < 1 {
		return fmt.Errorf("observer poll interval must be >= 1 ms")
	}
	if s.ObserverInactivityTimeoutMS < s.ObserverPollIntervalMS {
		return fmt.Errorf("observer inactivity timeout (%d ms) must not be shorter than the poll interval (%d ms)",
			s.ObserverInactivityTimeoutMS, s.ObserverPollIntervalMS)
	}
	if s.PoolCleanupIntervalMS < 1 {
		return fmt.Errorf("pool cleanup interval must be >= 1 ms")
	}

	r := Config.Registration
	if r.BroadcastName == "" {
		return fmt.Errorf("broadcast name must not be empty")
	}
	if r.QueueSize < 1 {
		return fmt.Errorf("broadcast queue size must be >= 1")
	}
	if r.PayloadCacheSize < 1 {
		return fmt.Errorf("payload cache size must be >= 1")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid Prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// AccessTimeout returns the segment mutex timeout.
func (s SHMConfiguration) AccessTimeout() time.Duration {
	return time.Duration(s.AccessTimeoutMS) * time.Millisecond
}

// AckTimeout returns how long writers wait for each reader acknowledgment.
func (s SHMConfiguration) AckTimeout() time.Duration {
	return time.Duration(s.MemfileAckTimeoutMS) * time.Millisecond
}

// PollInterval returns the observer event wait slice.
func (s SHMConfiguration) PollInterval() time.Duration {
	return time.Duration(s.ObserverPollIntervalMS) * time.Millisecond
}

// InactivityTimeout returns how long an observer survives without a signal.
func (s SHMConfiguration) InactivityTimeout() time.Duration {
	return time.Duration(s.ObserverInactivityTimeoutMS) * time.Millisecond
}

// CleanupInterval returns the observer pool cleanup period.
func (s SHMConfiguration) CleanupInterval() time.Duration {
	return time.Duration(s.PoolCleanupIntervalMS) * time.Millisecond
}

// SyncMemFileAttr converts the section into writer channel attributes.
func (s SHMConfiguration) SyncMemFileAttr(reg *shm.Registry) shm.SyncMemFileAttr {
	return shm.SyncMemFileAttr{
		MinSize:        s.MemfileMinSizeBytes,
		ReservePercent: s.MemfileReservePercent,
		AccessTimeout:  s.AccessTimeout(),
		AutoSanitize:   s.AutoSanitize,
		Registry:       reg,
	}
}

// PoolOptions converts the section into observer pool options.
func (s SHMConfiguration) PoolOptions(reg *shm.Registry) shm.PoolOptions {
	return shm.PoolOptions{
		Observer: shm.ObserverOptions{
			Registry:      reg,
			PollInterval:  s.PollInterval(),
			AccessTimeout: s.AccessTimeout(),
		},
		CleanupInterval: s.CleanupInterval(),
	}
}

// BroadcastOptions converts the sections into broadcast channel options.
func (c *Configuration) BroadcastOptions(reg *shm.Registry) shm.BroadcastOptions {
	return shm.BroadcastOptions{
		Registry:      reg,
		AccessTimeout: c.SHM.AccessTimeout(),
		AutoSanitize:  c.SHM.AutoSanitize,
	}
}

// BroadcastReaderOptions converts the section into broadcast reader options.
func (r RegistrationConfiguration) BroadcastReaderOptions() shm.BroadcastReaderOptions {
	return shm.BroadcastReaderOptions{
		Loopback:  r.Loopback,
		CacheSize: r.PayloadCacheSize,
	}
}
