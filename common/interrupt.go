package common

import (
	"os"
	"os/signal"
	"syscall"
)

// Interrupted returns a channel that receives on SIGINT or SIGTERM,
// the signals the daemons shut down on.
func Interrupted() <-chan os.Signal {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	return interrupt
}
