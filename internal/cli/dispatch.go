package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDispatchCmd(a *app) *cobra.Command {
	var (
		rawArgs []string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch <module>",
		Short: "Submit a scan job",
		Long: "Submit a job to the least loaded eligible node. With --all the job is\n" +
			"launched on every eligible node and the per-node outcome is printed.",
		Example: "  fleet dispatch apps.scan.flows.port_scan --arg target=example.com --arg ports=1-1024",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobArgs, err := parseJobArgs(rawArgs)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			out := cmd.OutOrStdout()

			if !all {
				jobID, err := client.SubmitJob(ctx, args[0], jobArgs)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return writeJSON(out, map[string]string{"jobId": jobID})
				}
				_, err = fmt.Fprintf(out, "Queued job %s\n", jobID)
				return err
			}

			resp, err := client.BroadcastJob(ctx, args[0], jobArgs)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(out, resp)
			}
			rows := make([][]string, 0, len(resp.Results))
			failed := 0
			for _, result := range resp.Results {
				outcome := shortContainer(result.ContainerID)
				if result.Error != "" {
					outcome = "error: " + result.Error
					failed++
				}
				rows = append(rows, []string{fmt.Sprintf("%d", result.NodeID), result.NodeName, outcome})
			}
			if err := writeTable(out, []string{"ID", "NODE", "CONTAINER"}, rows, a.color(out)); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("job %s failed on %d of %d nodes", resp.JobID, failed, len(resp.Results))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "job argument as key=value (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "launch on every eligible node")
	return cmd
}

func parseJobArgs(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	args := make(map[string]string, len(raw))
	for _, pair := range raw {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}

func shortContainer(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
