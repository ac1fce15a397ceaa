package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scanfleet/internal/models"
)

func newNodesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nodes",
		Aliases: []string{"node", "workers"},
		Short:   "Manage worker nodes",
	}
	cmd.AddCommand(
		newNodesListCmd(a),
		newNodesShowCmd(a),
		newNodesAddCmd(a),
		newNodesRemoveCmd(a),
		newNodesEventsCmd(a),
	)
	return cmd
}

func newNodesListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List nodes with their deployment state and load",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			nodes, err := client.ListNodes(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, nodes)
			}
			if len(nodes) == 0 {
				_, err := fmt.Fprintln(out, "No nodes registered.")
				return err
			}
			styled := a.color(out)
			return writeTable(out,
				[]string{"ID", "NAME", "ADDRESS", "STATUS", "CPU", "MEM", "VERSION", "LAST SEEN"},
				nodeRows(nodes, styled, time.Now()),
				styled,
			)
		},
	}
}

func newNodesShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			node, err := client.GetNode(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, node)
			}
			styled := a.color(out)
			return writeTable(out, nil, [][]string{
				{"ID", strconv.FormatInt(node.ID, 10)},
				{"Name", node.Name},
				{"Address", nodeRows([]*models.Node{node}, false, time.Now())[0][2]},
				{"Status", formatStatus(node.Status, styled)},
				{"Version", orDash(node.LastVersion)},
				{"Last seen", formatAge(node.LastHeartbeatAt, time.Now())},
				{"Created", node.CreatedAt.Local().Format(time.RFC3339)},
			}, false)
		},
	}
}

func newNodesAddCmd(a *app) *cobra.Command {
	var req models.AddNodeRequest
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a node to be provisioned",
		Long: "Add a pending node. Remote nodes need an address and SSH credentials;\n" +
			"deploy the agent afterwards from the terminal endpoint.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			node, err := client.AddNode(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, node)
			}
			_, err = fmt.Fprintf(out, "Added node %s (id %d, %s)\n", node.Name, node.ID, node.Status)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.IPAddress, "ip", "", "SSH host of the node")
	flags.IntVar(&req.SSHPort, "port", 0, "SSH port (default 22)")
	flags.StringVar(&req.Username, "user", "", "SSH user (default root)")
	flags.StringVar(&req.Password, "password", "", "SSH password")
	flags.StringVar(&req.SSHKeyPath, "key", "", "SSH private key path on the controller")
	flags.BoolVar(&req.IsLocal, "local", false, "node shares the controller host")
	return cmd
}

func newNodesRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a node and uninstall its agent",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			if err := client.RemoveNode(ctx, id); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, map[string]any{"removed": id})
			}
			_, err = fmt.Fprintf(out, "Removed node %d\n", id)
			return err
		},
	}
}

func newNodesEventsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a node's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			list, err := client.NodeEvents(ctx, id, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, list)
			}
			rows := make([][]string, 0, len(list))
			for _, event := range list {
				rows = append(rows, []string{
					event.Timestamp.Local().Format("2006-01-02 15:04:05"),
					string(event.Type),
					string(event.Payload),
				})
			}
			return writeTable(out, []string{"TIME", "TYPE", "DETAILS"}, rows, a.color(out))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func parseNodeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	return id, nil
}
