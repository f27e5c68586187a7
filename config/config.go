// Package config declares every configurable option for the SwitchML client
// engine and loads them from a YAML file through viper.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// GeneralConfig groups the options that must always be configured regardless
// of the chosen backend.
type GeneralConfig struct {
	// Rank is a unique identifier for this worker node, like an MPI rank.
	Rank uint16 `mapstructure:"rank"`

	// NumWorkers is the number of worker nodes in the system.
	NumWorkers uint16 `mapstructure:"numWorkers"`

	// NumWorkerThreads is the number of worker threads launched on this node.
	NumWorkerThreads uint16 `mapstructure:"numWorkerThreads"`

	// MaxOutstandingPackets is the pending-packet budget for the whole worker.
	// It is divided between worker threads; each thread keeps at most
	// MaxOutstandingPackets/NumWorkerThreads packets in flight.
	MaxOutstandingPackets uint32 `mapstructure:"maxOutstandingPackets"`

	// PacketNumel is the number of 32-bit elements in a packet. Only 64 and
	// 256 are supported by the switch program.
	PacketNumel uint64 `mapstructure:"packetNumel"`

	// Backend selects the transport: "dummy", "udp", or "rdma". "dpdk" is
	// accepted as the historical name of the UDP transport.
	Backend string `mapstructure:"backend"`

	// Scheduler selects the job scheduler. Only "fifo" exists today.
	Scheduler string `mapstructure:"scheduler"`

	// PrePostProcessor selects how tensors are loaded into and out of the
	// network: "bypass" or "cpu_exponent_quantizer".
	PrePostProcessor string `mapstructure:"prepostprocessor"`

	// InstantJobCompletion completes every job immediately without any
	// backend communication. Debugging only.
	InstantJobCompletion bool `mapstructure:"instantJobCompletion"`

	// ControllerIP is the address of the machine running the controller.
	ControllerIP string `mapstructure:"controllerIp"`

	// ControllerPort is the controller's gRPC port.
	ControllerPort uint16 `mapstructure:"controllerPort"`

	// TimeoutMs is how long to wait before a packet is considered lost.
	// Each worker thread copies this value per job slice; it then doubles
	// whenever timeouts exceed the threshold as a backoff mechanism.
	TimeoutMs float64 `mapstructure:"timeout"`

	// TimeoutThreshold is how many timeouts occur before the timeout doubles.
	TimeoutThreshold uint64 `mapstructure:"timeoutThreshold"`

	// TimeoutThresholdIncrement raises the bar each time the threshold is
	// exceeded so the timeout does not keep doubling forever.
	TimeoutThresholdIncrement uint64 `mapstructure:"timeoutThresholdIncrement"`
}

// UdpConfig groups options specific to the UDP backend.
type UdpConfig struct {
	// WorkerPort is the base UDP port; worker thread i binds WorkerPort+i.
	WorkerPort uint16 `mapstructure:"workerPort"`

	// WorkerIP is this worker's address on the interface used for switch
	// traffic, in dotted decimal notation.
	WorkerIP string `mapstructure:"workerIp"`

	// Cores lists the cores to pin worker threads to, e.g. "10-13". Empty
	// disables pinning. When set it must list at least NumWorkerThreads
	// cores; worker thread i is pinned to the i-th listed core.
	Cores string `mapstructure:"cores"`

	// BurstRx is the maximum number of packets retrieved from the socket at
	// a time.
	BurstRx uint32 `mapstructure:"burstRx"`

	// BurstTx is the maximum number of packets buffered before a transmit
	// flush is forced.
	BurstTx uint32 `mapstructure:"burstTx"`

	// BulkDrainTxUs is the period in microseconds after which the transmit
	// buffer is flushed even if it is not full.
	BulkDrainTxUs uint32 `mapstructure:"bulkDrainTxUs"`
}

// RdmaConfig groups options specific to the RDMA backend.
type RdmaConfig struct {
	// MsgNumel is the number of elements in a message. The NIC splits one
	// message into multiple packets, so it must be a multiple of
	// PacketNumel. Bigger messages amortize per-op overhead but make a loss
	// cost the whole message.
	MsgNumel uint32 `mapstructure:"msgNumel"`

	// DeviceName names the RDMA device, e.g. "mlx5_0".
	DeviceName string `mapstructure:"deviceName"`

	// DevicePortId selects a port on the device.
	DevicePortId uint16 `mapstructure:"devicePortId"`

	// GidIndex chooses the GID: 0/1 RoCEv1/v2 with MAC-based GID,
	// 2/3 RoCEv1/v2 with IP-based GID.
	GidIndex uint16 `mapstructure:"gidIndex"`

	// UseGdr enables GPU Direct when the submitted data lives on a GPU.
	UseGdr bool `mapstructure:"useGdr"`
}

// DummyConfig groups options specific to the dummy backend.
type DummyConfig struct {
	// Bandwidth in Mbps used to compute sleep durations that pace the fake
	// communication. 0 disables sleeping.
	Bandwidth float64 `mapstructure:"bandwidth"`

	// ProcessPackets makes the dummy backend compute what the tensor values
	// would be after real switch aggregation (multiply by NumWorkers).
	ProcessPackets bool `mapstructure:"processPackets"`
}

// BackendConfig groups all backend-specific options.
type BackendConfig struct {
	Udp   UdpConfig   `mapstructure:"udp"`
	Rdma  RdmaConfig  `mapstructure:"rdma"`
	Dummy DummyConfig `mapstructure:"dummy"`
}

// Config is the full engine configuration.
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Backend BackendConfig `mapstructure:"backend"`
}

// Default returns a configuration with the same defaults the original
// configuration file ships with.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Rank:                      0,
			NumWorkers:                1,
			NumWorkerThreads:          4,
			MaxOutstandingPackets:     256,
			PacketNumel:               256,
			Backend:                   "dummy",
			Scheduler:                 "fifo",
			PrePostProcessor:          "cpu_exponent_quantizer",
			InstantJobCompletion:      false,
			ControllerIP:              "127.0.0.1",
			ControllerPort:            50099,
			TimeoutMs:                 10,
			TimeoutThreshold:          100,
			TimeoutThresholdIncrement: 100,
		},
		Backend: BackendConfig{
			Udp: UdpConfig{
				WorkerPort:    49152,
				WorkerIP:      "10.0.0.1",
				BurstRx:       64,
				BurstTx:       64,
				BulkDrainTxUs: 100,
			},
			Rdma: RdmaConfig{
				MsgNumel:     1024,
				DeviceName:   "mlx5_0",
				DevicePortId: 1,
				GidIndex:     3,
				UseGdr:       false,
			},
			Dummy: DummyConfig{
				Bandwidth:      1000.0,
				ProcessPackets: true,
			},
		},
	}
}

// Load reads and parses the configuration file at path. If path is empty the
// default locations are tried in order: /etc/switchml/switchml.yaml,
// ./switchml-<hostname>.yaml, ./switchml.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "resolving hostname for config lookup")
		}
		candidates := []string{
			"/etc/switchml/switchml.yaml",
			"switchml-" + hostname + ".yaml",
			"switchml.yaml",
		}
		found := ""
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				found = c
				break
			}
		}
		if found == "" {
			return nil, errors.Errorf("no configuration file found in %v", candidates)
		}
		klog.V(0).Infof("Using configuration file %q", found)
		v.SetConfigFile(found)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading configuration file %q", v.ConfigFileUsed())
	}

	conf := Default()
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration file %q", filepath.Clean(v.ConfigFileUsed()))
	}
	return conf, nil
}
