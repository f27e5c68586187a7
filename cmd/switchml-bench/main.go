// switchml-bench submits a stream of AllReduce jobs through the engine and
// reports goodput. It is the quickest way to exercise a deployment end to
// end once the controller is up.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/switchml/switchml"
	"github.com/switchml/switchml/config"

	// Register the selectable transports.
	_ "github.com/switchml/switchml/backend/rdma"
	_ "github.com/switchml/switchml/backend/udp"
)

func main() {
	configPath := flag.String("config", "", "configuration file path (default: standard search paths)")
	numel := flag.Uint64("numel", 1<<20, "elements per tensor")
	numJobs := flag.Int("jobs", 10, "number of AllReduce jobs to submit")
	dtype := flag.String("dtype", "float32", "tensor data type: float32 or int32")
	sync := flag.Bool("sync", false, "wait for each job before submitting the next")
	klog.InitFlags(nil)
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			klog.Exitf("Loading configuration: %v", err)
		}
		cfg = loaded
	}

	ctx := switchml.GetContext()
	if err := ctx.Start(cfg); err != nil {
		klog.Exitf("Starting context: %v", err)
	}
	defer ctx.Stop()

	tensors := make([]switchml.Tensor, *numJobs)
	for i := range tensors {
		switch *dtype {
		case "float32":
			in := make([]float32, *numel)
			for j := range in {
				in[j] = rand.Float32()*2 - 1
			}
			tensors[i] = switchml.NewFloat32Tensor(in, make([]float32, *numel))
		case "int32":
			in := make([]int32, *numel)
			for j := range in {
				in[j] = rand.Int31n(1 << 20)
			}
			tensors[i] = switchml.NewInt32Tensor(in, make([]int32, *numel))
		default:
			fmt.Fprintf(os.Stderr, "unknown dtype %q\n", *dtype)
			os.Exit(2)
		}
	}

	bar := progressbar.Default(int64(*numJobs), "allreduce")
	start := time.Now()

	if *sync {
		for _, tensor := range tensors {
			job, err := ctx.AllReduce(tensor, switchml.SumOp)
			if err != nil {
				klog.Exitf("Submitting job: %v", err)
			}
			if job.Status() != switchml.JobFinished {
				klog.Exitf("Job %d ended with status %v", job.ID, job.Status())
			}
			bar.Add(1)
		}
	} else {
		jobs := make([]*switchml.Job, 0, *numJobs)
		for _, tensor := range tensors {
			job, err := ctx.AllReduceAsync(tensor, switchml.SumOp)
			if err != nil {
				klog.Exitf("Submitting job: %v", err)
			}
			jobs = append(jobs, job)
		}
		for _, job := range jobs {
			if job.WaitToComplete() != switchml.JobFinished {
				klog.Exitf("Job %d ended with status %v", job.ID, job.Status())
			}
			bar.Add(1)
		}
	}

	elapsed := time.Since(start)
	totalBytes := uint64(*numJobs) * *numel * 4
	fmt.Printf("\nReduced %s across %d jobs in %v (%s/s goodput)\n",
		humanize.IBytes(totalBytes), *numJobs, elapsed.Round(time.Millisecond),
		humanize.IBytes(uint64(float64(totalBytes)/elapsed.Seconds())))
}
