// fabricd: SDN virtual gateway. Keeps the L2 broadcast/unicast and border
// intents of the configured fabric installed, and answers punted packets
// with reactive routing intents and gateway ARP/NDP replies.
//
// Commands:
//   run       serve the engine and its HTTP API
//   show      print the configured networks, subnets and routes
//   validate  check the configuration file
//   intents   list the intents of a running daemon

package main

import (
	"os"

	"go.uber.org/zap"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.SugaredLogger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
