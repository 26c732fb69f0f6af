// Command quiccored is a small demonstration harness around the conn
// package: a UDP datapath, an in-process worker pool, and stub
// collaborators wired together well enough to drive a connection through
// its operation queue and print statistics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quiccore/quiccore/conn"
	"github.com/quiccore/quiccore/internal/datapath"
	"github.com/quiccore/quiccore/internal/worker"
)

var (
	logLevel   string
	listenAddr string
	remoteAddr string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quiccored",
		Short:         "quiccored drives a QUIC connection core over a real UDP socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	root.AddCommand(newServeCmd())
	root.AddCommand(newDialCmd())
	root.AddCommand(newStatsCmd())
	return root
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "accept connections on a UDP listener, draining each with an in-process worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			dp, err := datapath.ListenUDP(listenAddr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer dp.Close()

			pool := worker.NewPool(4, log)
			defer pool.Stop()

			c := conn.NewConnection(conn.RoleServer, conn.DefaultConfig(), log)
			if err := c.Initialize(dp, nil, nil, pool, nil, nil, nil, nil); err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			if err := c.Start(); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			log.WithField("addr", dp.LocalAddress()).Info("listening")
			return dp.Run(ctx, c.QueueDatagrams)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":4433", "UDP address to listen on")
	return cmd
}

func newDialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "start a client connection towards a remote UDP address",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			dp, err := datapath.DialUDP(remoteAddr)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer dp.Close()

			pool := worker.NewPool(1, log)
			defer pool.Stop()

			c := conn.NewConnection(conn.RoleClient, conn.DefaultConfig(), log)
			c.RemoteAddress = dp.RemoteAddress()
			if err := c.Initialize(dp, nil, nil, pool, nil, nil, nil, nil); err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			if err := c.Start(); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			log.WithField("addr", remoteAddr).Info("dialing")
			return dp.Run(ctx, c.QueueDatagrams)
		},
	}
	cmd.Flags().StringVar(&remoteAddr, "remote", "127.0.0.1:4433", "UDP address to dial")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print the zero-value statistics layout (for scripting/documentation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s conn.Stats
			snap := s.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", snap)
			return nil
		},
	}
}
