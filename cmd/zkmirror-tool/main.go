// Command zkmirror-tool is a small operational aid for inspecting a
// subtree of a coordination store through the mirror engine, and for
// looking up what a session state or watch event constant means. It is
// the Go counterpart of the Python original's __main__.py demo.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsuraan/zkmirror/zkmirror"
)

var (
	servers []string
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "zkmirror-tool",
		Short: "Inspect a zkmirror-backed coordination store subtree",
	}
	root.PersistentFlags().StringSliceVarP(&servers, "server", "s", []string{"localhost:2181"}, "coordination store server (repeatable)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(statesCmd(), eventsCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

// statesCmd lists the session state constants the store's client
// library exposes, the Go analogue of __main__.py's "states" subcommand
// which enumerated constants by reflecting over the zookeeper module.
func statesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "List known session states",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range []zk.State{
				zk.StateUnknown, zk.StateDisconnected, zk.StateConnecting,
				zk.StateConnected, zk.StateHasSession, zk.StateExpired,
				zk.StateAuthFailed,
			} {
				fmt.Printf("%-20s %d\n", s, s)
			}
			return nil
		},
	}
}

// eventsCmd lists the watch event type constants.
func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List known watch event types",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, e := range []zk.EventType{
				zk.EventNodeCreated, zk.EventNodeDeleted, zk.EventNodeDataChanged,
				zk.EventNodeChildrenChanged, zk.EventSession, zk.EventNotWatching,
			} {
				fmt.Printf("%-24s %d\n", e, e)
			}
			return nil
		},
	}
}

// watchCmd connects, ensures path exists, and prints its value and
// children every interval until interrupted — the Go analogue of
// __main__.py's default demo loop.
func watchCmd() *cobra.Command {
	var path string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a node's value and children on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := zkmirror.New(zkmirror.WithLogger(newLogger()))
			defer m.Close()
			if _, err := m.Connect(servers...); err != nil {
				return err
			}

			ctx := context.Background()
			node, err := m.EnsureExists(ctx, path, nil)
			if err != nil {
				return err
			}

			for {
				data, meta, err := node.Value(ctx, 5*time.Second)
				if err != nil {
					fmt.Printf("value error: %v\n", err)
				} else {
					fmt.Printf("value(version=%d): %s\n", meta.Version, summarize(data))
				}

				children, err := node.Children(ctx, 5*time.Second)
				if err != nil {
					fmt.Printf("children error: %v\n", err)
				} else {
					fmt.Printf("children: %v\n", children)
				}

				time.Sleep(interval)
			}
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "/", "path to watch")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "print interval")
	return cmd
}

func summarize(data []byte) string {
	var v interface{}
	if json.Unmarshal(data, &v) == nil {
		return string(data)
	}
	return fmt.Sprintf("%q", data)
}
