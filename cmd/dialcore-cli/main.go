package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dialcore/internal/auth"
)

// Operator CLI. Talks to a running engine over its control surface; the
// token command mints a local service token for testing against a dev
// instance that shares the same secret.
var (
	apiURL string
	token  string
)

func main() {
	root := &cobra.Command{
		Use:   "dialcore-cli",
		Short: "Operator CLI for the dialcore engine",
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envOr("DIALCORE_API", "http://127.0.0.1:8080"), "engine API base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("DIALCORE_TOKEN"), "bearer token")

	root.AddCommand(tokenCmd(), campaignCmd(), callsCmd(), agentCmd(), statusCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func tokenCmd() *cobra.Command {
	var (
		secret   string
		subject  string
		tenantID string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("DIALCORE_AUTH_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or DIALCORE_AUTH_SECRET is required")
			}
			tok, err := auth.NewVerifier(secret).GenerateToken(subject, tenantID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret")
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&role, "role", "operator", "token role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Start, stop, and inspect campaigns",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start <campaign-id>",
		Short: "Start a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint("/api/v1/campaigns/start", map[string]string{"campaignId": args[0]})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <campaign-id>",
		Short: "Stop a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint("/api/v1/campaigns/stop", map[string]string{"campaignId": args[0]})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/api/v1/campaigns/active")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status <campaign-id>",
		Short: "Show a campaign's pacing metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/api/v1/campaigns/" + args[0] + "/status")
		},
	})
	return cmd
}

func callsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect live calls",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "List active calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/v1/calls/active")
			if err != nil {
				return err
			}
			var resp struct {
				Data struct {
					Calls []struct {
						ID         string `json:"id"`
						CampaignID string `json:"campaignId"`
						AgentID    string `json:"agentId"`
						Phone      string `json:"phone"`
						Status     string `json:"status"`
					} `json:"calls"`
				} `json:"data"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CALL\tCAMPAIGN\tAGENT\tPHONE\tSTATUS")
			for _, c := range resp.Data.Calls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.CampaignID, c.AgentID, c.Phone, c.Status)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <call-id>",
		Short: "Show one call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/api/v1/calls/" + args[0])
		},
	})
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and update agent state",
	}

	var tenantID string
	set := &cobra.Command{
		Use:   "set <agent-id> <state>",
		Short: "Set an agent's state (available, break, offline, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			return postAndPrint("/api/v1/agents/status", map[string]string{
				"agentId":  args[0],
				"tenantId": tenantID,
				"state":    args[1],
			})
		},
	}
	set.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.AddCommand(set)

	var availTenant string
	avail := &cobra.Command{
		Use:   "available",
		Short: "List available agents for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if availTenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			return getAndPrint("/api/v1/agents/available?tenantId=" + availTenant)
		},
	}
	avail.Flags().StringVar(&availTenant, "tenant", "", "tenant id")
	cmd.AddCommand(avail)

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Engine health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/health")
		},
	}
}

func apiGet(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	return doRequest(req)
}

func apiPost(path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, apiURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req)
}

func doRequest(req *http.Request) ([]byte, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	return data, nil
}

func getAndPrint(path string) error {
	data, err := apiGet(path)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func postAndPrint(path string, body any) error {
	data, err := apiPost(path, body)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
