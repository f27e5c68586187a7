package switchml

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// Stats accumulates engine-wide statistics. Per-worker-thread counters are
// written by the owning worker thread only; the mutex guards the job-level
// counters and readers.
type Stats struct {
	mu sync.Mutex

	jobsSubmittedNum   uint64
	jobsSubmittedNumel []uint64
	jobsFinishedNum    uint64

	// Indexed by worker thread id.
	totalPktsSent       []uint64
	correctPktsReceived []uint64
	wrongPktsReceived   []uint64
	timeoutsNum         []uint64
}

// Init sizes the per-worker-thread counters and resets everything. It must be
// called before any other method.
func (s *Stats) Init(numWorkerThreads uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobsSubmittedNum = 0
	s.jobsSubmittedNumel = nil
	s.jobsFinishedNum = 0
	s.totalPktsSent = make([]uint64, numWorkerThreads)
	s.correctPktsReceived = make([]uint64, numWorkerThreads)
	s.wrongPktsReceived = make([]uint64, numWorkerThreads)
	s.timeoutsNum = make([]uint64, numWorkerThreads)
}

// IncJobsSubmitted counts one submitted job of the given size.
func (s *Stats) IncJobsSubmitted(numel uint64) {
	s.mu.Lock()
	s.jobsSubmittedNum++
	s.jobsSubmittedNumel = append(s.jobsSubmittedNumel, numel)
	s.mu.Unlock()
}

// IncJobsFinished counts one finished job.
func (s *Stats) IncJobsFinished() {
	s.mu.Lock()
	s.jobsFinishedNum++
	s.mu.Unlock()
}

// AddTotalPktsSent adds to the sent-packet counter of one worker thread.
func (s *Stats) AddTotalPktsSent(tid int, n uint64) { s.totalPktsSent[tid] += n }

// AddCorrectPktsReceived adds to the accepted-packet counter of one worker thread.
func (s *Stats) AddCorrectPktsReceived(tid int, n uint64) { s.correctPktsReceived[tid] += n }

// AddWrongPktsReceived adds to the duplicate/wrong-packet counter of one
// worker thread.
func (s *Stats) AddWrongPktsReceived(tid int, n uint64) { s.wrongPktsReceived[tid] += n }

// AddTimeouts adds to the timeout counter of one worker thread.
func (s *Stats) AddTimeouts(tid int, n uint64) { s.timeoutsNum[tid] += n }

// Snapshot returns copies of the per-worker-thread counters.
func (s *Stats) Snapshot() (sent, correct, wrong, timeouts []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.totalPktsSent...),
		append([]uint64(nil), s.correctPktsReceived...),
		append([]uint64(nil), s.wrongPktsReceived...),
		append([]uint64(nil), s.timeoutsNum...)
}

// JobCounts returns the submitted and finished job counters.
func (s *Stats) JobCounts() (submitted, finished uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobsSubmittedNum, s.jobsFinishedNum
}

// Log writes all accumulated statistics through klog.
func (s *Stats) Log() {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.V(0).Infof("Jobs submitted: %s finished: %s",
		humanize.Comma(int64(s.jobsSubmittedNum)), humanize.Comma(int64(s.jobsFinishedNum)))
	klog.V(0).Infof("Job sizes (numel): %s", describe(s.jobsSubmittedNumel))
	klog.V(0).Infof("Packets sent per worker thread: %s", listToStr(s.totalPktsSent))
	klog.V(0).Infof("Correct packets received per worker thread: %s", listToStr(s.correctPktsReceived))
	klog.V(0).Infof("Wrong packets received per worker thread: %s", listToStr(s.wrongPktsReceived))
	klog.V(0).Infof("Timeouts per worker thread: %s", listToStr(s.timeoutsNum))
}

// describe summarizes the distribution of a list in a single line with
// sum, mean, max, min, median, and standard deviation.
func describe[T constraints.Integer | constraints.Float](list []T) string {
	if len(list) == 0 {
		return "empty"
	}
	sorted := append([]T(nil), list...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	mean := sum / float64(len(sorted))
	var variance float64
	for _, v := range sorted {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(sorted))
	median := float64(sorted[len(sorted)/2])
	if len(sorted)%2 == 0 {
		median = (float64(sorted[len(sorted)/2-1]) + float64(sorted[len(sorted)/2])) / 2
	}
	return fmt.Sprintf("n=%d sum=%.0f mean=%.2f max=%v min=%v median=%.1f stdev=%.2f",
		len(sorted), sum, mean, sorted[len(sorted)-1], sorted[0], median, math.Sqrt(variance))
}

func listToStr[T constraints.Integer](list []T) string {
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = humanize.Comma(int64(v))
	}
	return strings.Join(parts, " ")
}
