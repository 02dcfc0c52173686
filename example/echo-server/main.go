//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/therotherithethethe/asonc/reactor"
)

func main() {
	addr := flag.String("addr", reactor.DefaultAddr, "TCP address to listen on")
	backlog := flag.Int("backlog", reactor.DefaultBacklog, "listen backlog")
	entries := flag.Uint("entries", reactor.DefaultRingEntries, "io_uring SQ size, power of two")
	buffers := flag.Int("buffers", reactor.DefaultBufferCount, "provided buffer count, power of two")
	bufferSize := flag.Int("buffer-size", reactor.DefaultBufferSize, "provided buffer size in bytes")
	connBuffers := flag.Int("conn-buffers", 0, "buffers one connection may hold while its echo is pending, 0 is a quarter of -buffers")
	group := flag.Uint("buffer-group", reactor.DefaultBufferGroup, "provided buffer group id")
	console := flag.Int("console", reactor.DefaultConsoleFd, "descriptor to read operator commands from, -1 disables")
	token := flag.String("shutdown-token", reactor.DefaultShutdownToken, "console line that stops the server")
	drain := flag.Duration("drain-timeout", reactor.DefaultDrainTimeout, "how long to wait for cancelled requests on shutdown")
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(lvl)

	loop, err := reactor.New(
		reactor.WithAddr(*addr),
		reactor.WithBacklog(*backlog),
		reactor.WithRingEntries(uint32(*entries)),
		reactor.WithBuffers(*buffers, *bufferSize),
		reactor.WithBufferGroup(uint16(*group)),
		reactor.WithConnBufferLimit(*connBuffers),
		reactor.WithConsole(*console),
		reactor.WithShutdownToken(*token),
		reactor.WithDrainTimeout(*drain),
		reactor.WithLogger(newLogrusLogger(logger)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = loop.Run(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

//describe one line diagnostic: failing call, OS error code and its text.
func describe(err error) string {
	var startErr *reactor.StartupError
	if errors.As(err, &startErr) {
		if errno := startErr.Errno(); errno != 0 {
			return fmt.Sprintf("ERROR: %s. %d. %s", startErr.Op, int(errno), errno.Error())
		}
		return fmt.Sprintf("ERROR: %s. %s", startErr.Op, startErr.Err.Error())
	}
	return fmt.Sprintf("ERROR: %s", err.Error())
}
