// Package hostmem provides the host-memory and topology plumbing the RDMA
// backend needs: fixed-address registered regions, NUMA discovery, and
// worker-thread core pinning.
package hostmem

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Region is a contiguous host memory region mapped at a fixed virtual
// address and suitable for registration with a network interface for remote
// write. Every worker maps the same address so the switch can use one remote
// address for all of them.
type Region struct {
	Buf  []byte
	addr uintptr
}

// mmapFixed issues the mmap syscall directly. unix.Mmap has no way to
// request a mapping at a literal virtual address, so the address hint,
// length, and MAP_FIXED_NOREPLACE go through Syscall6 with the -1 fd and
// zero offset of an anonymous mapping.
func mmapFixed(addr uintptr, length int, flags int) (uintptr, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(flags),
		^uintptr(0), // fd -1: anonymous
		0)
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}

// MapFixed maps length bytes of anonymous memory at exactly addr. Huge pages
// are used when the system grants them, to keep the region physically
// contiguous; otherwise the mapping falls back to regular pages.
func MapFixed(addr uintptr, length int) (*Region, error) {
	base := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE

	p, err := mmapFixed(addr, length, base|unix.MAP_HUGETLB)
	if err != nil {
		klog.V(1).Infof("Huge-page mapping at 0x%x failed (%v), falling back to regular pages", addr, err)
		p, err = mmapFixed(addr, length, base)
		if err != nil {
			return nil, errors.Wrapf(err, "mapping %d bytes at fixed address 0x%x", length, addr)
		}
	}
	if p != addr {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, p, uintptr(length), 0)
		return nil, errors.Errorf("kernel mapped region at 0x%x instead of requested 0x%x", p, addr)
	}
	return &Region{
		Buf:  unsafe.Slice((*byte)(unsafe.Pointer(p)), length),
		addr: p,
	}, nil
}

// Free unmaps the region.
func (r *Region) Free() error {
	if r.addr == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, r.addr, uintptr(len(r.Buf)), 0)
	r.addr = 0
	r.Buf = nil
	if errno != 0 {
		return errors.Wrap(errno, "unmapping region")
	}
	return nil
}

// Addr returns the region's fixed virtual address.
func (r *Region) Addr() uintptr { return r.addr }

// DeviceNUMANode returns the NUMA node an RDMA device's PCI function sits
// on, read from sysfs. A value of -1 means the platform did not report one.
func DeviceNUMANode(deviceName string) (int, error) {
	path := "/sys/class/infiniband/" + deviceName + "/device/numa_node"
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "reading NUMA node of device %q", deviceName)
	}
	node, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing NUMA node of device %q", deviceName)
	}
	return node, nil
}

// NodeCPUs returns the CPUs of a NUMA node in sysfs cpulist order. Node -1
// returns all online CPUs.
func NodeCPUs(node int) ([]int, error) {
	path := "/sys/devices/system/node/node" + strconv.Itoa(node) + "/cpulist"
	if node < 0 {
		path = "/sys/devices/system/cpu/online"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading cpulist for NUMA node %d", node)
	}
	return ParseCPUList(strings.TrimSpace(string(data)))
}

// ParseCPUList parses a kernel cpulist string such as "0-3,8-11,16".
func ParseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, errors.Wrapf(err, "parsing cpulist range %q", part)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, errors.Wrapf(err, "parsing cpulist range %q", part)
			}
			if end < start {
				return nil, errors.Errorf("cpulist range %q is reversed", part)
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, errors.Wrapf(err, "parsing cpulist entry %q", part)
			}
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// PinToCPU locks the calling goroutine to its OS thread and binds that
// thread to the given CPU.
func PinToCPU(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "binding thread to cpu %d", cpu)
	}
	klog.V(1).Infof("Pinned worker thread to cpu %d", cpu)
	return nil
}
