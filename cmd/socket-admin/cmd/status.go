package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-socket-server/internal/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Show the server name, admin API version, uptime and live session counts per transport.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/admin/status", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp api.StatusResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		fmt.Fprintf(out, "Service:      %s\n", resp.Service)
		fmt.Fprintf(out, "Status:       %s\n", resp.Status)
		fmt.Fprintf(out, "API version:  %d (%s)\n", resp.APIVersion, strings.Join(resp.Capabilities, ", "))
		fmt.Fprintf(out, "Uptime:       %s\n", time.Duration(resp.UptimeSeconds)*time.Second)
		fmt.Fprintf(out, "Sessions:     %d\n", resp.Sessions)

		if len(resp.Transports) > 0 {
			kinds := make([]string, 0, len(resp.Transports))
			for k := range resp.Transports {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)

			rows := make([][]string, len(kinds))
			for i, k := range kinds {
				rows[i] = []string{k, strconv.Itoa(resp.Transports[k])}
			}
			fmt.Fprintln(out)
			printTable(out, []string{"TRANSPORT", "SESSIONS"}, rows)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
