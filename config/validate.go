package config

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Validate checks configuration values and normalizes the ones that can be
// fixed up. It returns an error for fatal misconfigurations.
//
// MaxOutstandingPackets is rounded down to the nearest multiple of
// NumWorkerThreads (times packets-per-message for RDMA) so that the budget
// divides evenly between worker threads.
func (c *Config) Validate() error {
	g := &c.General

	if g.NumWorkers == 0 {
		return errors.New("general.numWorkers must be at least 1")
	}
	if g.NumWorkerThreads == 0 {
		return errors.New("general.numWorkerThreads must be at least 1")
	}
	if g.MaxOutstandingPackets/uint32(g.NumWorkerThreads) == 0 {
		return errors.Errorf(
			"general.maxOutstandingPackets %d must be at least general.numWorkerThreads %d so each worker thread can send at least 1 packet",
			g.MaxOutstandingPackets, g.NumWorkerThreads)
	}

	switch g.Scheduler {
	case "fifo":
	default:
		return errors.Errorf("unknown scheduler %q", g.Scheduler)
	}
	switch g.PrePostProcessor {
	case "bypass", "cpu_exponent_quantizer":
	default:
		return errors.Errorf("unknown prepostprocessor %q", g.PrePostProcessor)
	}

	switch g.Backend {
	case "dummy":
	case "dpdk":
		// The historical name of the switch-native transport; it selects
		// the UDP backend.
		g.Backend = "udp"
		fallthrough
	case "udp", "rdma":
		if g.PacketNumel != 64 && g.PacketNumel != 256 {
			return errors.Errorf("the %s backend only supports 64 or 256 elements per packet, not %d", g.Backend, g.PacketNumel)
		}
	default:
		return errors.Errorf("unknown backend %q", g.Backend)
	}

	outstandingPerThread := g.MaxOutstandingPackets / uint32(g.NumWorkerThreads)
	validMop := outstandingPerThread * uint32(g.NumWorkerThreads)
	if validMop != g.MaxOutstandingPackets {
		klog.Warningf("general.maxOutstandingPackets %d is not divisible by general.numWorkerThreads %d; setting it to %d",
			g.MaxOutstandingPackets, g.NumWorkerThreads, validMop)
		g.MaxOutstandingPackets = validMop
	}

	if g.Backend == "rdma" {
		r := &c.Backend.Rdma
		if uint64(r.MsgNumel) < g.PacketNumel {
			return errors.Errorf("rdma.msgNumel %d cannot be less than general.packetNumel %d", r.MsgNumel, g.PacketNumel)
		}
		pktsPerMsg := uint64(r.MsgNumel) / g.PacketNumel
		if uint64(r.MsgNumel)%g.PacketNumel != 0 {
			newMsgNumel := uint32(pktsPerMsg * g.PacketNumel)
			klog.Warningf("rdma.msgNumel %d is not divisible by general.packetNumel %d; setting it to %d",
				r.MsgNumel, g.PacketNumel, newMsgNumel)
			r.MsgNumel = newMsgNumel
		}
		if r.GidIndex > 3 {
			return errors.Errorf("rdma.gidIndex %d must be in [0, 3]", r.GidIndex)
		}

		outstandingMsgs := g.MaxOutstandingPackets / uint32(pktsPerMsg)
		outstandingMsgsPerThread := outstandingMsgs / uint32(g.NumWorkerThreads)
		if outstandingMsgsPerThread == 0 {
			return errors.Errorf(
				"general.maxOutstandingPackets %d is too small for %d packets per message across %d worker threads",
				g.MaxOutstandingPackets, pktsPerMsg, g.NumWorkerThreads)
		}
		validMop = outstandingMsgsPerThread * uint32(g.NumWorkerThreads) * uint32(pktsPerMsg)
		if validMop != g.MaxOutstandingPackets {
			klog.Warningf("general.maxOutstandingPackets %d is not divisible by %d (packets per message * worker threads); setting it to %d for exactly %d outstanding messages per worker thread",
				g.MaxOutstandingPackets, uint32(pktsPerMsg)*uint32(g.NumWorkerThreads), validMop, outstandingMsgsPerThread)
			g.MaxOutstandingPackets = validMop
		}
	}

	return nil
}

// Print logs the active configuration the way the engine sees it, including
// the derived per-thread budgets.
func (c *Config) Print() {
	g := &c.General
	outstandingPerThread := g.MaxOutstandingPackets / uint32(g.NumWorkerThreads)
	klog.V(0).Infof("[general] rank=%d numWorkers=%d numWorkerThreads=%d maxOutstandingPackets=%d packetNumel=%d backend=%s scheduler=%s prepostprocessor=%s instantJobCompletion=%v controllerIp=%s controllerPort=%d timeout=%.1fms timeoutThreshold=%d timeoutThresholdIncrement=%d (derived: maxOutstandingPacketsPerWorkerThread=%d)",
		g.Rank, g.NumWorkers, g.NumWorkerThreads, g.MaxOutstandingPackets, g.PacketNumel,
		g.Backend, g.Scheduler, g.PrePostProcessor, g.InstantJobCompletion,
		g.ControllerIP, g.ControllerPort, g.TimeoutMs, g.TimeoutThreshold, g.TimeoutThresholdIncrement,
		outstandingPerThread)

	switch g.Backend {
	case "dummy":
		d := &c.Backend.Dummy
		klog.V(0).Infof("[backend.dummy] bandwidth=%.1f processPackets=%v", d.Bandwidth, d.ProcessPackets)
	case "udp":
		u := &c.Backend.Udp
		klog.V(0).Infof("[backend.udp] workerPort=%d workerIp=%s cores=%s burstRx=%d burstTx=%d bulkDrainTxUs=%d",
			u.WorkerPort, u.WorkerIP, u.Cores, u.BurstRx, u.BurstTx, u.BulkDrainTxUs)
	case "rdma":
		r := &c.Backend.Rdma
		pktsPerMsg := uint64(r.MsgNumel) / g.PacketNumel
		outstandingMsgs := uint64(g.MaxOutstandingPackets) / pktsPerMsg
		klog.V(0).Infof("[backend.rdma] msgNumel=%d deviceName=%s devicePortId=%d gidIndex=%d useGdr=%v (derived: numPktsPerMsg=%d maxOutstandingMsgs=%d maxOutstandingMsgsPerWorkerThread=%d)",
			r.MsgNumel, r.DeviceName, r.DevicePortId, r.GidIndex, r.UseGdr,
			pktsPerMsg, outstandingMsgs, outstandingMsgs/uint64(g.NumWorkerThreads))
	}
}
