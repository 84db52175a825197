// windowctl is the operator console for the clearing engine. It drives
// the window lifecycle endpoints: status, force-close, process and
// rollback.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "windowctl",
		Short: "Operator console for the interbank clearing engine",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Engine API base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("INTERCLEAR_TOKEN"), "Operator JWT token")

	// Add subcommands
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [window-id]",
		Short: "Show a window's status, or the current window when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/windows/current"
			if len(args) == 1 {
				path = "/api/v1/windows/" + args[0]
			}
			return printResponse("GET", path, nil)
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close [window-id]",
		Short: "Force-close a window ahead of its scheduled end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse("POST", "/api/v1/operator/windows/"+args[0]+"/close", nil)
		},
	}
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [window-id]",
		Short: "Run netting and settlement for a closed window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse("POST", "/api/v1/operator/windows/"+args[0]+"/process", nil)
		},
	}
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback [window-id]",
		Short: "Roll back a failed window's unfinalized operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := cmd.Flags().GetString("reason")
			if err != nil {
				return err
			}
			if reason == "" {
				return fmt.Errorf("--reason is required for a rollback")
			}
			payload := map[string]string{"reason": reason}
			return printResponse("POST", "/api/v1/operator/windows/"+args[0]+"/rollback", payload)
		},
	}

	cmd.Flags().StringP("reason", "r", "", "Audit reason recorded with the rollback")

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger a reconciliation pass, or list unmatched reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			unmatched, err := cmd.Flags().GetBool("unmatched")
			if err != nil {
				return err
			}
			if unmatched {
				return printResponse("GET", "/api/v1/operator/reconciliation/unmatched", nil)
			}
			return printResponse("POST", "/api/v1/operator/reconciliation/run", nil)
		},
	}

	cmd.Flags().BoolP("unmatched", "u", false, "List unmatched reports instead of running a pass")

	return cmd
}

// printResponse performs the request and pretty-prints the JSON body.
func printResponse(method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	return nil
}
