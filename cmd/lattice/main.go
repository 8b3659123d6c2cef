// Package main provides the CLI entry point for the Lattice client:
// dial a service as a byte pipe, host a service, or set up config.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/postmesh/lattice"
	"github.com/postmesh/lattice/internal/config"
	"github.com/postmesh/lattice/internal/wizard"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultConfigPath = "lattice.yaml"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice overlay mesh client",
		Long:  "Dial or host named services reachable through a mesh of edge routers.",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(
		dialCmd(&configPath),
		bindCmd(&configPath),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newClient(configPath string) (*lattice.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return lattice.New(cfg)
}

func dialCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dial <service>",
		Short: "Dial a service and pipe stdin/stdout through it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(*configPath)
			if err != nil {
				return err
			}
			defer client.Close()

			var sent, received atomic.Uint64
			connected := make(chan error, 1)
			done := make(chan struct{})

			conn := client.NewConn(nil)
			err = conn.Dial(args[0],
				func(_ *lattice.Conn, err error) {
					connected <- err
				},
				func(_ *lattice.Conn, data []byte, err error) int {
					if err != nil {
						close(done)
						return 0
					}
					n, _ := os.Stdout.Write(data)
					received.Add(uint64(n))
					return n
				})
			if err != nil {
				return err
			}
			if err := <-connected; err != nil {
				return fmt.Errorf("dial %s: %w", args[0], err)
			}
			fmt.Fprintf(os.Stderr, "connected to %s\n", args[0])

			go func() {
				buf := make([]byte, 16*1024)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						chunk := make([]byte, n)
						copy(chunk, buf[:n])
						conn.Write(chunk, nil)
						sent.Add(uint64(n))
					}
					if err != nil {
						conn.CloseWrite()
						return
					}
				}
			}()

			<-done
			conn.Close()
			fmt.Fprintf(os.Stderr, "sent %s, received %s\n",
				humanize.IBytes(sent.Load()), humanize.IBytes(received.Load()))
			return nil
		},
	}
}

func bindCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bind <service>",
		Short: "Host a service, echoing every client's bytes back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(*configPath)
			if err != nil {
				return err
			}
			defer client.Close()

			bound := make(chan error, 1)
			host := client.NewConn(nil)
			err = host.Bind(args[0],
				func(_ *lattice.Conn, err error) {
					bound <- err
				},
				func(_ *lattice.Conn, c *lattice.Conn, _ error) {
					c.Accept(
						func(c *lattice.Conn, err error) {
							if err != nil {
								fmt.Fprintf(os.Stderr, "accept failed: %v\n", err)
								return
							}
							fmt.Fprintf(os.Stderr, "client %d connected\n", c.ID())
						},
						func(c *lattice.Conn, data []byte, err error) int {
							if err != nil {
								c.Close()
								return 0
							}
							chunk := make([]byte, len(data))
							copy(chunk, data)
							c.Write(chunk, nil)
							return len(data)
						})
				})
			if err != nil {
				return err
			}
			if err := <-bound; err != nil {
				return fmt.Errorf("bind %s: %w", args[0], err)
			}
			fmt.Fprintf(os.Stderr, "hosting %s\n", args[0])

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return host.Close()
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive configuration setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := wizard.Run(defaultConfigPath)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", result.ConfigPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lattice", Version)
		},
	}
}
