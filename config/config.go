// Package config loads the settings of a simulated system.
//
// Settings come from a TOML file and can be overridden by VMCORE_* variables,
// either from the environment or from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ErrInvalid is returned when the configuration cannot describe a system.
var ErrInvalid = errors.New("config: invalid configuration")

// Config describes a simulated system and its workload.
type Config struct {
	PageSize             uint64 `toml:"page_size"`
	NumFrames            uint64 `toml:"num_frames"`
	BlockSize            int    `toml:"block_size"`
	SwapSlots            uint64 `toml:"swap_slots"`
	SwapFile             string `toml:"swap_file"`
	MmapWriteBackOnEvict bool   `toml:"mmap_writeback_on_evict"`
	LogLevel             string `toml:"log_level"`
	TraceDB              string `toml:"trace_db"`
	MonitorPort          int    `toml:"monitor_port"`

	Processes          int   `toml:"processes"`
	PagesPerProcess    int   `toml:"pages_per_process"`
	AccessesPerProcess int   `toml:"accesses_per_process"`
	Seed               int64 `toml:"seed"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		PageSize:           4096,
		NumFrames:          64,
		BlockSize:          512,
		SwapSlots:          256,
		LogLevel:           "info",
		Processes:          4,
		PagesPerProcess:    32,
		AccessesPerProcess: 1000,
		Seed:               1,
	}
}

// Load reads the file at path on top of the defaults, then applies the
// environment. An empty path skips the file. The result is validated.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		_, err := toml.DecodeFile(path, &c)
		if err != nil {
			return c, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("config: .env: %w", err)
	}

	err = c.ApplyEnv(os.LookupEnv)
	if err != nil {
		return c, err
	}

	return c, c.Validate()
}

// ApplyEnv overrides fields with the VMCORE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		value, ok := lookup(o.name)
		if !ok {
			continue
		}

		err := o.set(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, o.name, value, err)
		}
	}

	return nil
}

type override struct {
	name string
	set  func(string) error
}

func (c *Config) overrides() []override {
	return []override{
		{"VMCORE_PAGE_SIZE", uintField(&c.PageSize)},
		{"VMCORE_NUM_FRAMES", uintField(&c.NumFrames)},
		{"VMCORE_BLOCK_SIZE", intField(&c.BlockSize)},
		{"VMCORE_SWAP_SLOTS", uintField(&c.SwapSlots)},
		{"VMCORE_SWAP_FILE", stringField(&c.SwapFile)},
		{"VMCORE_MMAP_WRITEBACK_ON_EVICT", boolField(&c.MmapWriteBackOnEvict)},
		{"VMCORE_LOG_LEVEL", stringField(&c.LogLevel)},
		{"VMCORE_TRACE_DB", stringField(&c.TraceDB)},
		{"VMCORE_MONITOR_PORT", intField(&c.MonitorPort)},
		{"VMCORE_PROCESSES", intField(&c.Processes)},
		{"VMCORE_PAGES_PER_PROCESS", intField(&c.PagesPerProcess)},
		{"VMCORE_ACCESSES_PER_PROCESS", intField(&c.AccessesPerProcess)},
		{"VMCORE_SEED", int64Field(&c.Seed)},
	}
}

func uintField(p *uint64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseUint(s, 0, 64)
		*p = v
		return err
	}
}

func intField(p *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		*p = v
		return err
	}
}

func int64Field(p *int64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseInt(s, 0, 64)
		*p = v
		return err
	}
}

func boolField(p *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		*p = v
		return err
	}
}

func stringField(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

// Validate checks that the parts of the system fit together.
func (c Config) Validate() error {
	switch {
	case c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0:
		return fmt.Errorf("%w: page size %d is not a power of 2",
			ErrInvalid, c.PageSize)
	case c.BlockSize <= 0 || c.PageSize%uint64(c.BlockSize) != 0:
		return fmt.Errorf("%w: page size %d is not a multiple of block size %d",
			ErrInvalid, c.PageSize, c.BlockSize)
	case c.NumFrames == 0:
		return fmt.Errorf("%w: no frame", ErrInvalid)
	case c.SwapSlots == 0:
		return fmt.Errorf("%w: no swap slot", ErrInvalid)
	case c.MonitorPort < 0 || c.MonitorPort > 65535:
		return fmt.Errorf("%w: monitor port %d", ErrInvalid, c.MonitorPort)
	case c.Processes < 0 || c.PagesPerProcess < 0 || c.AccessesPerProcess < 0:
		return fmt.Errorf("%w: negative workload size", ErrInvalid)
	}

	_, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// Level returns the log level, or info if the level cannot be parsed.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}

	return level
}
