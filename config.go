package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Band is a receiver band preset: frequency edges, system temperature and
// per-antenna gain, and whether the band's channel ordering is inverted.
type Band struct {
	F1   float64 // lowest frequency, MHz
	F2   float64 // highest frequency, MHz
	Tsys float64 // system temperature, K
	Gain float64 // per-antenna gain, K/Jy
	Flip bool    // inverted channel order
}

// bands are the built-in receiver presets selectable by name. Any field
// can still be overridden explicitly in the config file.
var bands = map[string]Band{
	"band2": {F1: 125, F2: 250, Tsys: 253, Gain: 0.33, Flip: false},
	"band3": {F1: 250, F2: 500, Tsys: 165, Gain: 0.38, Flip: true},
	"band4": {F1: 550, F2: 850, Tsys: 103, Gain: 0.35, Flip: true},
	"band5": {F1: 1050, F2: 1450, Tsys: 73, Gain: 0.28, Flip: false},
}

// SystemConfig describes the observing system. Band selects a preset;
// explicit fields win over the preset.
type SystemConfig struct {
	NF   int     `yaml:"nf"`   // frequency channels
	Dt   float64 `yaml:"dt"`   // sampling time, s
	T1   float64 `yaml:"t1"`   // observation start, s
	T2   float64 `yaml:"t2"`   // observation end, s
	Band string  `yaml:"band"` // preset name
	Nant int     `yaml:"nant"` // antennas in the array

	F1   *float64 `yaml:"f1"`
	F2   *float64 `yaml:"f2"`
	Tsys *float64 `yaml:"tsys"`
	Gain *float64 `yaml:"gain"`
	Flip *bool    `yaml:"flip"`
}

// RingKeys holds one ring's well-known SysV keys.
type RingKeys struct {
	HeaderKey int `yaml:"header_key"`
	BufferKey int `yaml:"buffer_key"`
}

// RingConfig fixes the shared-memory geometry for both rings.
type RingConfig struct {
	Input     RingKeys `yaml:"input"`
	Output    RingKeys `yaml:"output"`
	Capacity  int      `yaml:"capacity"`
	BlockSize int      `yaml:"block_size"`
	PollMS    int      `yaml:"poll_ms"`
}

// InjectConfig selects the quantization regime.
type InjectConfig struct {
	Bits int     `yaml:"bits"` // 2 or 8
	Step float64 `yaml:"step"` // quantizer step in sigma units; 0 = per-depth default
	Seed int64   `yaml:"seed"` // fallback RNG seed when burst files carry none
}

// Config is the immutable, process-lifetime configuration.
type Config struct {
	System SystemConfig `yaml:"system"`
	Rings  RingConfig   `yaml:"rings"`
	Inject InjectConfig `yaml:"inject"`

	// resolved band parameters
	band Band
}

// Historical deployment defaults: 16 slots of 32*512 samples across 4096
// channels at 2 bits, and a 2ms poll.
const (
	defaultCapacity  = 16
	defaultBlockSize = 32 * 512 * 4096
	defaultPollMS    = 2
)

// defaultStep gives the quantizer step for a bit depth: the optimal
// 4-level spacing for 2-bit sampling, a fine-grained step for 8-bit.
func defaultStep(bits int) float64 {
	if bits == 2 {
		return 0.9957
	}
	return 0.03
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve applies defaults and presets and validates the result.
func (c *Config) resolve() error {
	if c.System.NF <= 0 {
		return fmt.Errorf("config: number of frequency channels must be specified")
	}
	if c.System.Dt <= 0 {
		return fmt.Errorf("config: sampling time must be specified")
	}
	if c.System.Nant <= 0 {
		c.System.Nant = 1
	}

	if c.System.Band != "" {
		preset, ok := bands[c.System.Band]
		if !ok {
			return fmt.Errorf("config: unknown band %q", c.System.Band)
		}
		c.band = preset
	}
	if c.System.F1 != nil {
		c.band.F1 = *c.System.F1
	}
	if c.System.F2 != nil {
		c.band.F2 = *c.System.F2
	}
	if c.System.Tsys != nil {
		c.band.Tsys = *c.System.Tsys
	}
	if c.System.Gain != nil {
		c.band.Gain = *c.System.Gain
	}
	if c.System.Flip != nil {
		c.band.Flip = *c.System.Flip
	}
	if c.band.F2 <= c.band.F1 {
		return fmt.Errorf("config: band edges invalid (f1=%v MHz, f2=%v MHz)", c.band.F1, c.band.F2)
	}
	if c.band.Tsys <= 0 || c.band.Gain <= 0 {
		return fmt.Errorf("config: system temperature and gain must be positive")
	}

	if c.Rings.Capacity == 0 {
		c.Rings.Capacity = defaultCapacity
	}
	if c.Rings.BlockSize == 0 {
		c.Rings.BlockSize = defaultBlockSize
	}
	if c.Rings.PollMS == 0 {
		c.Rings.PollMS = defaultPollMS
	}
	if c.Rings.Input.HeaderKey == 0 {
		c.Rings.Input = RingKeys{HeaderKey: 2031, BufferKey: 2032}
	}
	if c.Rings.Output.HeaderKey == 0 {
		c.Rings.Output = RingKeys{HeaderKey: 5031, BufferKey: 5032}
	}

	if c.Inject.Bits == 0 {
		c.Inject.Bits = 2
	}
	if c.Inject.Bits != 2 && c.Inject.Bits != 8 {
		return fmt.Errorf("config: bit depth must be 2 or 8, got %d", c.Inject.Bits)
	}
	if c.Inject.Step == 0 {
		c.Inject.Step = defaultStep(c.Inject.Bits)
	}
	return nil
}

// Band returns the resolved band parameters.
func (c *Config) Band() Band { return c.band }

// Bandwidth returns the band width in MHz.
func (c *Config) Bandwidth() float64 { return c.band.F2 - c.band.F1 }

// ChannelWidthMHz returns the per-channel width in MHz.
func (c *Config) ChannelWidthMHz() float64 {
	return c.Bandwidth() / float64(c.System.NF)
}

// ChannelWidthHz returns the per-channel width in Hz.
func (c *Config) ChannelWidthHz() float64 { return c.ChannelWidthMHz() * 1e6 }

// Poll returns the WAIT re-poll interval.
func (c *Config) Poll() time.Duration {
	return time.Duration(c.Rings.PollMS) * time.Millisecond
}
