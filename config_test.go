package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weaver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigWithBandPreset(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
system:
  nf: 4096
  dt: 1.31072e-3
  band: band4
  nant: 23
`))
	require.NoError(t, err)

	band := cfg.Band()
	assert.Equal(t, 550.0, band.F1)
	assert.Equal(t, 850.0, band.F2)
	assert.True(t, band.Flip)
	assert.Equal(t, 300.0, cfg.Bandwidth())
	assert.InDelta(t, 300.0/4096, cfg.ChannelWidthMHz(), 1e-9)

	// Deployment defaults.
	assert.Equal(t, 16, cfg.Rings.Capacity)
	assert.Equal(t, 32*512*4096, cfg.Rings.BlockSize)
	assert.Equal(t, 2031, cfg.Rings.Input.HeaderKey)
	assert.Equal(t, 5032, cfg.Rings.Output.BufferKey)
	assert.Equal(t, 2*time.Millisecond, cfg.Poll())
	assert.Equal(t, 2, cfg.Inject.Bits)
	assert.InDelta(t, 0.9957, cfg.Inject.Step, 1e-12)
}

func TestLoadConfigExplicitFieldsOverridePreset(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
system:
  nf: 2048
  dt: 1.0e-3
  band: band3
  tsys: 200
  flip: false
inject:
  bits: 8
`))
	require.NoError(t, err)

	band := cfg.Band()
	assert.Equal(t, 250.0, band.F1, "preset edge survives")
	assert.Equal(t, 200.0, band.Tsys, "explicit tsys wins")
	assert.False(t, band.Flip, "explicit flip wins")
	assert.InDelta(t, 0.03, cfg.Inject.Step, 1e-12, "step default follows bit depth")
}

func TestLoadConfigWithoutBandNeedsEdges(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
system:
  nf: 1024
  dt: 1.0e-3
  f1: 100
  f2: 200
  tsys: 150
  gain: 0.3
`))
	require.NoError(t, err)
	assert.Equal(t, 100.0, cfg.Band().F1)
	assert.Equal(t, 1, cfg.System.Nant, "antenna count defaults to one")
}

func TestLoadConfigRejections(t *testing.T) {
	cases := map[string]string{
		"missing nf": `
system:
  dt: 1.0e-3
  band: band3
`,
		"missing dt": `
system:
  nf: 4096
  band: band3
`,
		"unknown band": `
system:
  nf: 4096
  dt: 1.0e-3
  band: band9
`,
		"inverted edges": `
system:
  nf: 4096
  dt: 1.0e-3
  f1: 500
  f2: 300
  tsys: 100
  gain: 0.3
`,
		"bad bit depth": `
system:
  nf: 4096
  dt: 1.0e-3
  band: band3
inject:
  bits: 4
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
