// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// signals defines the signals that are handled to do a clean shutdown.
var signals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// interruptListener calls shutdown on the first SIGINT or SIGTERM. A second
// signal while shutting down is logged and otherwise ignored.
func interruptListener(shutdown func()) {
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, signals...)

	go func() {
		sig := <-interruptChannel
		log.Infof("Received signal (%s). Shutting down...", sig)
		shutdown()

		for sig := range interruptChannel {
			log.Infof("Received signal (%s). Already shutting "+
				"down...", sig)
		}
	}()
}
