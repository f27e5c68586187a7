package switchml

import (
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

// watchSignals runs a dedicated goroutine that turns SIGINT/SIGTERM into a
// clean Stop through the normal API. Handling signals on their own goroutine
// keeps condition-variable notifications out of signal context. The returned
// function tears the watcher down.
func (c *Context) watchSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			klog.V(0).Infof("Received signal %v, stopping switchml context", sig)
			c.Stop()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
