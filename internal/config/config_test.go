// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
)

const sample = `
flow_cache {
  max_flows        = 4096
  pruning_timeout  = 45
  cleanup_flows    = 16
  prune_flows      = 4

  idle_timeout "tcp" {
    seconds = 3600
  }
  idle_timeout "udp" {
    seconds = 30
  }
}

listen {
  address = "0.0.0.0:9191"
}
`

func TestParseDecodesBlocks(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(sample))
	require.NoError(t, err)

	assert.EqualValues(t, 4096, cfg.Cache.MaxFlows)
	assert.EqualValues(t, 45, cfg.Cache.PruningTimeout)
	assert.Equal(t, "0.0.0.0:9191", cfg.Listen.Address)

	timeouts, err := cfg.Cache.IdleTimeoutMap()
	require.NoError(t, err)
	assert.EqualValues(t, 3600, timeouts[flow.ClassTCP])
	assert.EqualValues(t, 30, timeouts[flow.ClassUDP])
}

func TestParseAppliesDefaultsForMissingListen(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(`flow_cache { max_flows = 1024 }`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Listen)
	assert.Equal(t, Default().Listen.Address, cfg.Listen.Address)
}

func TestParseRejectsNonPositiveMaxFlows(t *testing.T) {
	_, err := Parse("test.hcl", []byte(`flow_cache { max_flows = 0 }`))
	assert.Error(t, err)
}

func TestIdleTimeoutMapRejectsUnknownClass(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(`
flow_cache {
  max_flows = 1024
  idle_timeout "carrier-pigeon" {
    seconds = 10
  }
}
`))
	require.NoError(t, err)
	_, err = cfg.Cache.IdleTimeoutMap()
	assert.Error(t, err)
}
