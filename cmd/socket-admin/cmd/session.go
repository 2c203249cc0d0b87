package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-socket-server/internal/api"
)

// SessionListResponse represents the list sessions response
type SessionListResponse struct {
	Sessions []api.SessionResponse `json:"sessions"`
}

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Manage live sessions",
	Long:    `Commands for listing, inspecting, calling and kicking live client sessions.`,
}

var sessionListTransport string

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	Long:  `List all live sessions, optionally restricted to one transport (raw-tcp, ws, wss).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/admin/sessions"
		if sessionListTransport != "" {
			path += "?transport=" + url.QueryEscape(sessionListTransport)
		}

		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", path, nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp SessionListResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		if len(resp.Sessions) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		headers := []string{"ID", "TRANSPORT", "REMOTE", "LOCAL", "STATE", "CONNECTED"}
		rows := make([][]string, len(resp.Sessions))
		for i, s := range resp.Sessions {
			rows[i] = sessionRow(s)
		}
		printTable(out, headers, rows)
		return nil
	},
}

func sessionRow(s api.SessionResponse) []string {
	connected := "-"
	if s.ConnectedAt != nil {
		connected = s.ConnectedAt.Format("2006-01-02 15:04:05")
	}
	return []string{s.ID, s.Transport, s.RemoteAddr, strconv.FormatBool(s.Local), s.State, connected}
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/admin/sessions/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var s api.SessionResponse
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		printTable(out, []string{"ID", "TRANSPORT", "REMOTE", "LOCAL", "STATE", "CONNECTED"}, [][]string{sessionRow(s)})
		return nil
	},
}

var sessionKickMode string

var sessionKickCmd = &cobra.Command{
	Use:   "kick <session-id>",
	Short: "Stop a session",
	Long: `Stop a session. With --mode stop (default) the client receives a closing
status; with --mode disconnect it is first told to drop the connection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionKickMode != "stop" && sessionKickMode != "disconnect" {
			return fmt.Errorf("--mode must be stop or disconnect")
		}

		client := NewClient(adminURL, adminToken)
		path := "/admin/sessions/" + url.PathEscape(args[0]) + "?mode=" + sessionKickMode
		if _, err := client.Request("DELETE", path, nil); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Session '%s' stopped.\n", args[0])
		return nil
	},
}

var sessionCallCmd = &cobra.Command{
	Use:   "call <session-id> <command> [json-arg...]",
	Short: "Send a command to a session",
	Long: `Send a command frame to a session. Each argument after the command must be
a JSON value; bare words are sent as strings.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.CallRequest{Command: args[1]}
		for _, a := range args[2:] {
			req.Args = append(req.Args, jsonArg(a))
		}

		client := NewClient(adminURL, adminToken)
		data, err := client.Request("POST", "/admin/sessions/"+url.PathEscape(args[0])+"/call", req)
		if err != nil {
			return err
		}

		if output == "json" {
			return printJSON(cmd.OutOrStdout(), data)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Command '%s' sent to session '%s'.\n", args[1], args[0])
		return nil
	},
}

func jsonArg(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionKickCmd)
	sessionCmd.AddCommand(sessionCallCmd)

	sessionListCmd.Flags().StringVar(&sessionListTransport, "transport", "", "Filter by transport (raw-tcp, ws, wss)")
	sessionKickCmd.Flags().StringVar(&sessionKickMode, "mode", "stop", "Kick mode: stop, disconnect")
}
