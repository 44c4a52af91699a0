// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/flow/dump"
)

func writeBinFixture(t *testing.T, path string, descriptors []dump.Descriptor) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, d := range descriptors {
		buf, err := d.MarshalBinary()
		require.NoError(t, err)
		_, err = f.Write(buf)
		require.NoError(t, err)
	}
}

func TestRunFiltersByProtocolAndWritesText(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "flows")

	tcp := dump.Descriptor{PktType: uint8(flow.ClassTCP), SrcPort: 1, DstPort: 2}
	udp := dump.Descriptor{PktType: uint8(flow.ClassUDP), SrcPort: 3, DstPort: 4}
	writeBinFixture(t, base+".bin", []dump.Descriptor{tcp, udp})

	code := run([]string{"-f", base, "-p", "TCP"})
	require.Equal(t, 0, code)

	out, err := os.ReadFile(base)
	require.NoError(t, err)
	assert.Contains(t, string(out), "TCP")
	assert.NotContains(t, string(out), "UDP")
}

func TestRunRejectsUnknownProtocol(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "flows")
	writeBinFixture(t, base+".bin", nil)

	code := run([]string{"-f", base, "-p", "BOGUS"})
	assert.Equal(t, 1, code)
}

func TestRunRejectsMissingFile(t *testing.T) {
	code := run([]string{"-p", "TCP"})
	assert.Equal(t, 1, code)
}

func TestRunRejectsMalformedSrcIP(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "flows")
	writeBinFixture(t, base+".bin", nil)

	code := run([]string{"-f", base, "-r", "999.1.1.1"})
	assert.Equal(t, 1, code)
}

func TestRunVersionExitsZero(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-v"}))
}

func TestRunHelpExitsZero(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-h"}))
}
