//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/shm"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintChannel(t *testing.T) {
	dir := t.TempDir()
	name := fmt.Sprintf("orinstats_%d", time.Now().UnixNano())
	args := []string{"--shm", "--shm-name", name, "--shm-dir", dir}

	pub, err := telemetry.NewPublisher(context.Background(), telemetry.Options{Name: name, Dir: dir})
	require.NoError(t, err)
	defer pub.Close()

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out))
	assert.Contains(t, out.String(), "no record published yet")

	require.NoError(t, pub.Publish(telemetry.Record{PowerMW: 4200, CPUTempC: 41.2, GPUTempC: 39.8, SoCTempC: 38}))

	out.Reset()
	require.NoError(t, run(context.Background(), args, &out))
	got := out.String()
	assert.Contains(t, got, "marker:          1")
	assert.Contains(t, got, "power:           4200.00 mW")
	assert.Contains(t, got, "mode:            normal")
}

func TestPrintChannelMissing(t *testing.T) {
	err := run(context.Background(), []string{"--shm", "--shm-name", "absent", "--shm-dir", t.TempDir()}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, shm.ErrNotFound))
}
