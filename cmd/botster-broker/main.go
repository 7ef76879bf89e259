// Botster Broker - out-of-process PTY custodian sidecar (spec.md §4.2).
//
// The broker holds PTY master file descriptors and their child processes
// across hub restarts: the hub hands off FDs over a Unix domain socket
// with SCM_RIGHTS ancillary data, and the broker keeps the children
// alive and buffering output until the hub reconnects or a timeout
// elapses, at which point it kills every remaining child and exits.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/trybotster/botster-hub/internal/broker"
)

func main() {
	socketPath := flag.String("socket", "", "broker socket path (required)")
	reconnectTimeout := flag.Duration("reconnect-timeout", 30*time.Second, "how long to wait for the hub to reconnect before killing all sessions and exiting")
	flag.Parse()

	logger := slog.Default()

	if *socketPath == "" {
		logger.Error("botster-broker: -socket is required")
		os.Exit(1)
	}

	srv := broker.NewServer(*socketPath, *reconnectTimeout, logger)
	logger.Info("botster-broker starting", "socket", *socketPath, "reconnect_timeout", *reconnectTimeout)

	if err := srv.Run(); err != nil {
		logger.Error("botster-broker exited with error", "error", err)
		os.Exit(1)
	}
}
