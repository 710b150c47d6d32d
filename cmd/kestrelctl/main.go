// Command kestrelctl is a thin HTTP client for kestrel's control API:
// it sends chat messages, inspects sessions, and checks cost from the
// operator's terminal without needing a channel adapter in the loop.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-ai/kestrel/internal/config"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kestrelctl:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath, addr, token string
	root := &cobra.Command{
		Use:          "kestrelctl",
		Short:        "Operator CLI for the kestrel control API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "kestrel.yaml", "path to YAML configuration file, used to resolve the control API address if --addr is unset")
	root.PersistentFlags().StringVar(&addr, "addr", "", "control API base URL, e.g. http://127.0.0.1:8077 (overrides config)")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token for the control API (overrides config)")

	newClient := func() (*apiClient, error) {
		return resolveClient(configPath, addr, token)
	}

	root.AddCommand(
		buildChatCmd(newClient),
		buildNotifyCmd(newClient),
		buildStatusCmd(newClient),
		buildSessionsCmd(newClient),
		buildCostCmd(newClient),
	)
	return root
}

func resolveClient(configPath, addr, token string) (*apiClient, error) {
	if addr == "" || token == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if addr == "" {
			addr = "http://" + cfg.ControlAPI.ListenAddr
		}
		if token == "" {
			token = cfg.ControlAPI.BearerToken
		}
	}
	return newAPIClient(addr, token), nil
}

// apiClient mirrors the control API's expected request/response shapes
// closely enough to avoid importing internal/controlapi's unexported
// request types; it is a separate binary's own thin view of the wire
// contract.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(body) > 0 {
			return fmt.Errorf("request %s failed: %s (%s)", req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("request %s failed: %s", req.URL.Path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func buildChatCmd(newClient func() (*apiClient, error)) *cobra.Command {
	var senderID, text, quoted string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a message and print the agent's reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				Reply string `json:"reply"`
			}
			err = client.postJSON(cmd.Context(), "/chat", map[string]string{
				"sender_id":   senderID,
				"text":        text,
				"quoted_text": quoted,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&senderID, "sender", "operator", "sender id the reply session is keyed on")
	cmd.Flags().StringVar(&text, "text", "", "message text to send")
	cmd.Flags().StringVar(&quoted, "quote", "", "text being replied to, if any")
	cmd.MarkFlagRequired("text")
	return cmd
}

func buildNotifyCmd(newClient func() (*apiClient, error)) *cobra.Command {
	var senderID, text string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Inject a system notification into a session without waiting for a reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return client.postJSON(cmd.Context(), "/notify", map[string]string{
				"sender_id": senderID,
				"text":      text,
			}, nil)
		},
	}
	cmd.Flags().StringVar(&senderID, "sender", "", "sender id the notification is delivered into")
	cmd.Flags().StringVar(&text, "text", "", "notification text")
	cmd.MarkFlagRequired("sender")
	cmd.MarkFlagRequired("text")
	return cmd
}

func buildStatusCmd(newClient func() (*apiClient, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's liveness status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var resp map[string]any
			if err := client.getJSON(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func buildSessionsCmd(newClient func() (*apiClient, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(newClient),
		buildSessionsHistoryCmd(newClient),
		buildSessionsResetCmd(newClient),
	)
	return cmd
}

func buildSessionsListCmd(newClient func() (*apiClient, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var resp []map[string]any
			if err := client.getJSON(cmd.Context(), "/sessions", &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func buildSessionsHistoryCmd(newClient func() (*apiClient, error)) *cobra.Command {
	var sessionID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a session's message history",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var resp []map[string]any
			path := fmt.Sprintf("/sessions/%s/history?limit=%d", sessionID, limit)
			if err := client.getJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "id", "", "session id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max messages to return")
	cmd.MarkFlagRequired("id")
	return cmd
}

func buildSessionsResetCmd(newClient func() (*apiClient, error)) *cobra.Command {
	var senderID, source string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Close a sender's active session, starting fresh on their next message",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return client.postJSON(cmd.Context(), "/sessions/reset", map[string]string{
				"sender_id": senderID,
				"source":    source,
			}, nil)
		},
	}
	cmd.Flags().StringVar(&senderID, "sender", "", "sender id whose session should be reset")
	cmd.Flags().StringVar(&source, "source", "cli", "channel source the session was opened under")
	cmd.MarkFlagRequired("sender")
	return cmd
}

func buildCostCmd(newClient func() (*apiClient, error)) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Print accumulated spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			path := "/cost"
			if sessionID != "" {
				path += "?session_id=" + sessionID
			}
			var resp map[string]any
			if err := client.getJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict to a single session's spend")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
