// Package switchml is the client engine for in-network AllReduce: worker
// nodes stream tensor data to a programmable switch which aggregates values
// across workers and streams the sums back.
//
// Create a Context, start it, submit AllReduce jobs, then stop it:
//
//	ctx := switchml.NewContext()
//	if err := ctx.Start(nil); err != nil { ... }
//	job, err := ctx.AllReduceAsync(switchml.NewFloat32Tensor(in, out), switchml.SumOp)
//	job.WaitToComplete()
//	ctx.Stop()
//
// Transports are selected by the "general.backend" configuration key. The
// dummy backend ships with this package; the UDP and RDMA transports live in
// backend/udp and backend/rdma and register themselves when imported:
//
//	import _ "github.com/switchml/switchml/backend/udp"
package switchml
