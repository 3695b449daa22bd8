// Command brokerctl talks to a running broker: it lists connections by
// role, pings them over channels and can stand in as an echo peer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yusitnikov/websocket-mcp/pkg/client"
)

const defaultURL = "ws://localhost:3004/"

type globalFlags struct {
	url     string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Inspect and exercise a connection broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.url, "url", defaultURL, "broker WebSocket URL")
	pf.DurationVar(&g.timeout, "timeout", 5*time.Second, "per-request timeout")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log client activity to stderr")

	cmd.AddCommand(newListCmd(g), newPingCmd(g), newEchoCmd(g))
	return cmd
}

func (g *globalFlags) newClient(role string) (*client.Client, error) {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	opts := client.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	opts.ConnectTimeout = g.timeout
	opts.RegistrationTimeout = g.timeout
	opts.RequestTimeout = g.timeout
	opts.SendTimeout = g.timeout

	return client.NewWithOptions(g.url, role, opts)
}

// dial registers a client under role. The caller disconnects it.
func (g *globalFlags) dial(ctx context.Context, role string) (*client.Client, error) {
	c, err := g.newClient(role)
	if err != nil {
		return nil, err
	}
	return c, g.connect(ctx, c, false)
}

func (g *globalFlags) connect(ctx context.Context, c *client.Client, maintain bool) error {
	var err error
	if maintain {
		err = c.MaintainConnection(ctx)
	} else {
		err = c.Connect(ctx)
	}
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("connect to %s: %w", g.url, err)
	}
	return nil
}

func newListCmd(g *globalFlags) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the IDs of connections registered under a role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.dial(cmd.Context(), ctlRole)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return listRole(cmd.Context(), c, role, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "role to list")
	cmd.MarkFlagRequired("role")
	return cmd
}

func newPingCmd(g *globalFlags) *cobra.Command {
	var (
		role  string
		count int
		size  int
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Open a channel to every connection of a role and time echoed messages",
		Long: `ping expects the peers to echo payloads back on the same channel, as
"brokerctl echo" does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.dial(cmd.Context(), ctlRole)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return pingRole(cmd.Context(), c, pingConfig{
				role:    role,
				count:   count,
				padding: size,
				timeout: g.timeout,
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "role to ping")
	cmd.Flags().IntVarP(&count, "count", "c", 3, "messages per connection")
	cmd.Flags().IntVarP(&size, "size", "s", 0, "extra payload bytes per message")
	cmd.MarkFlagRequired("role")
	return cmd
}

func newEchoCmd(g *globalFlags) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Register under a role and echo every channel message back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c, err := g.newClient(role)
			if err != nil {
				return err
			}
			installEcho(ctx, c, g.timeout, cmd.OutOrStdout())
			if err := g.connect(ctx, c, true); err != nil {
				return err
			}
			defer c.Disconnect()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "echo", "role to register under")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl:", err)
		os.Exit(1)
	}
}
