package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
)

var (
	target      string
	rate        int
	connections int
	senders     int
	seed        string
	duration    time.Duration
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "rei-bench",
	Short: "Load a reimint node with zero value transfers over websocket",
	RunE:  runBench,
}

func init() {
	rootCmd.Flags().StringVarP(&target, "target", "T", "localhost:26657", "rpc address of the node")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 1000, "txs per second over all connections")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "number of websocket connections")
	rootCmd.Flags().IntVarP(&senders, "senders", "s", 64, "number of sending accounts")
	rootCmd.Flags().StringVar(&seed, "seed", "rei-bench", "seed the sender accounts are derived from")
	rootCmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to send")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every connection")
}

func runBench(cmd *cobra.Command, args []string) error {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if !verbose {
		logger = log.NewFilter(logger, log.AllowError())
	}

	t := newTransacter(target, connections, rate, senders, seed)
	t.SetLogger(logger)

	start := time.Now()
	if err := t.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(duration):
	case <-sigCh:
	}
	t.Stop()

	elapsed := time.Since(start)
	fmt.Printf("sent %d txs in %v (%.1f tx/s)\n", t.Sent(), elapsed, float64(t.Sent())/elapsed.Seconds())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
