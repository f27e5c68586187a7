package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchml.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
general:
  rank: 3
  numWorkers: 8
  numWorkerThreads: 2
  maxOutstandingPackets: 64
  packetNumel: 64
  backend: udp
  controllerIp: 10.0.0.254
  controllerPort: 50099
  timeout: 2.5
backend:
  udp:
    workerIp: 10.0.0.3
    workerPort: 50100
    cores: 4-5
  rdma:
    msgNumel: 512
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 3, cfg.General.Rank)
	assert.EqualValues(t, 8, cfg.General.NumWorkers)
	assert.EqualValues(t, 2, cfg.General.NumWorkerThreads)
	assert.EqualValues(t, 64, cfg.General.MaxOutstandingPackets)
	assert.Equal(t, "udp", cfg.General.Backend)
	assert.Equal(t, "10.0.0.254", cfg.General.ControllerIP)
	assert.Equal(t, 2.5, cfg.General.TimeoutMs)
	assert.Equal(t, "10.0.0.3", cfg.Backend.Udp.WorkerIP)
	assert.Equal(t, "4-5", cfg.Backend.Udp.Cores)
	assert.EqualValues(t, 512, cfg.Backend.Rdma.MsgNumel)

	// Unset keys keep their defaults.
	assert.Equal(t, "fifo", cfg.General.Scheduler)
	assert.Equal(t, "cpu_exponent_quantizer", cfg.General.PrePostProcessor)
	assert.EqualValues(t, 64, cfg.Backend.Udp.BurstRx)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateNormalizesMaxOutstandingPackets(t *testing.T) {
	cfg := Default()
	cfg.General.NumWorkerThreads = 3
	cfg.General.MaxOutstandingPackets = 100
	require.NoError(t, cfg.Validate())
	// Rounded down to the nearest multiple of the worker thread count.
	assert.EqualValues(t, 99, cfg.General.MaxOutstandingPackets)
}

func TestValidateNormalizesForRdmaMessages(t *testing.T) {
	cfg := Default()
	cfg.General.Backend = "rdma"
	cfg.General.NumWorkerThreads = 2
	cfg.General.PacketNumel = 64
	cfg.General.MaxOutstandingPackets = 100
	cfg.Backend.Rdma.MsgNumel = 250 // not a multiple of packetNumel

	require.NoError(t, cfg.Validate())
	// msgNumel is rounded down to 3 packets, then the packet budget to a
	// multiple of packetsPerMessage * numWorkerThreads.
	assert.EqualValues(t, 192, cfg.Backend.Rdma.MsgNumel)
	assert.EqualValues(t, 96, cfg.General.MaxOutstandingPackets)
}

func TestValidateRejections(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.General.NumWorkers = 0 },
		func(c *Config) { c.General.NumWorkerThreads = 0 },
		func(c *Config) { c.General.MaxOutstandingPackets = 1; c.General.NumWorkerThreads = 4 },
		func(c *Config) { c.General.Backend = "udp"; c.General.PacketNumel = 100 },
		func(c *Config) { c.General.Backend = "rdma"; c.General.PacketNumel = 512 },
		func(c *Config) { c.General.Backend = "smoke-signals" },
		func(c *Config) { c.General.Scheduler = "lifo" },
		func(c *Config) { c.General.PrePostProcessor = "gpu_exponent_quantizer" },
		func(c *Config) { c.General.Backend = "rdma"; c.Backend.Rdma.MsgNumel = 32 },
		func(c *Config) { c.General.Backend = "rdma"; c.Backend.Rdma.GidIndex = 4 },
	}
	for i, mutate := range cases {
		cfg := Default()
		cfg.General.PacketNumel = 64
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestValidateAcceptsDpdkAsUdpAlias(t *testing.T) {
	cfg := Default()
	cfg.General.Backend = "dpdk"
	cfg.General.PacketNumel = 64
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "udp", cfg.General.Backend)
}
