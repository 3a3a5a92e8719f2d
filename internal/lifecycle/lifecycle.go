// Package lifecycle carries the teacher's graceful-shutdown signal
// helper forward unchanged in shape: a background goroutine listening for
// os.Interrupt/SIGTERM that invokes a callback once, used by cmd/pipeline
// to cancel every worker's context together.
package lifecycle

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignals invokes onSignal once os.Interrupt or SIGTERM arrives.
func WaitForSignals(onSignal func()) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		if onSignal != nil {
			onSignal()
		}
	}()
}
