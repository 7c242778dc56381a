package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/goacl/internal/server"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var st server.StatusResponse
			if err := apiGet("/v1/status", &st); err != nil {
				return err
			}
			out, err := formatStatus(st, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func countersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counters",
		Short: "Show per-node packet counters",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var c server.CountersResponse
			if err := apiGet("/v1/counters", &c); err != nil {
				return err
			}
			out, err := formatCounters(c, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and clear the session table",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Dump live sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var sessions []sessionWire
			if err := apiGet("/v1/sessions", &sessions); err != nil {
				return err
			}
			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear all sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp map[string]int
			if err := apiDo("DELETE", "/v1/sessions", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("cleared %d sessions\n", resp["cleared"])
			return nil
		},
	})

	return cmd
}

func aclCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Inspect and replace ACLs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed ACLs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var acls []server.ACLWire
			if err := apiGet("/v1/acls", &acls); err != nil {
				return err
			}
			out, err := formatACLs(acls, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replace <index> <rules.json>",
		Short: "Install or replace one ACL from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("acl index %q: %w", args[0], err)
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read rules: %w", err)
			}
			return apiDo("PUT", "/v1/acls/"+strconv.FormatUint(index, 10),
				rawJSON(data), nil)
		},
	})

	return cmd
}

func bindCmd() *cobra.Command {
	var aclIndices []uint

	cmd := &cobra.Command{
		Use:   "bind <ifindex> <input|output>",
		Short: "Bind an ordered ACL list to an interface arc",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[1] != "input" && args[1] != "output" {
				return fmt.Errorf("direction %q: must be input or output", args[1])
			}
			indices := make([]uint32, 0, len(aclIndices))
			for _, v := range aclIndices {
				indices = append(indices, uint32(v))
			}
			path := "/v1/interfaces/" + args[0] + "/" + args[1]
			return apiDo("PUT", path, server.BindWire{ACLIndices: indices}, nil)
		},
	}
	cmd.Flags().UintSliceVar(&aclIndices, "acls", nil, "ordered ACL indices to bind")
	return cmd
}

func traceCmd() *cobra.Command {
	var enable, disable bool

	cmd := &cobra.Command{
		Use:   "trace [node]",
		Short: "Show or toggle per-node packet traces",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			node := ""
			if len(args) == 1 {
				node = args[0]
			}
			if enable || disable {
				return apiDo("PUT", "/v1/trace",
					server.TraceWire{Node: node, Enabled: enable}, nil)
			}
			path := "/v1/trace"
			if node != "" {
				path += "?node=" + node
			}
			var records []traceWire
			if err := apiGet(path, &records); err != nil {
				return err
			}
			out, err := formatTraces(records, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable tracing")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable tracing")
	return cmd
}
