// Command dagexecctl is the external control surface for a running dagexecd
// (spec §6 "Debt-resolution interface... exposed, consumed by external
// control surfaces"): a spf13/cobra CLI that submits runs, inspects their
// status and reports, lists and resolves debts, and records decision-gate
// approvals/rejections over dagexecd's HTTP API.
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
	addr       string
	httpClient = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:   "dagexecctl",
		Short: "control surface for a dagexecd instance",
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("DAGEXEC_CTL_ADDR", "http://localhost:8080"), "dagexecd base URL")

	root.AddCommand(newRunCmd())
	root.AddCommand(newDebtCmd())
	root.AddCommand(newDecisionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dagexecctl:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// --- run ---

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "submit and inspect DAG runs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "submit <file.json>",
		Short: "submit a run definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var out map[string]any
			if err := doJSON(http.MethodPost, "/v1/runs", bytes.NewReader(data), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status <run-id>",
		Short: "show a run's status and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doJSON(http.MethodGet, "/v1/runs/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "report <run-id>",
		Short: "fetch a run's persisted report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doJSON(http.MethodGet, "/v1/runs/"+args[0]+"/report", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "decisions <run-id>",
		Short: "list pending decision gate requests for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			if err := doJSON(http.MethodGet, "/v1/runs/"+args[0]+"/decisions", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	return cmd
}

// --- debt ---

func newDebtCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "debt", Short: "inspect and resolve run debts"}

	var runID string
	var includeResolved bool
	list := &cobra.Command{
		Use:   "list",
		Short: "list debts, optionally scoped to a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/debts?run_id=%s&include_resolved=%t", runID, includeResolved)
			var out []map[string]any
			if err := doJSON(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	list.Flags().StringVar(&runID, "run-id", "", "scope to a single run (omit for every run)")
	list.Flags().BoolVar(&includeResolved, "include-resolved", false, "include already-resolved debts")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "show debt counts across every run",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doJSON(http.MethodGet, "/v1/debts/summary", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	var resolveRunID, taskID string
	var resume bool
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "resolve a task's debt, optionally resuming its run",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"run_id":  resolveRunID,
				"task_id": taskID,
				"resume":  resume,
			})
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(http.MethodPost, "/v1/debts/resolve", bytes.NewReader(body), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	resolve.Flags().StringVar(&resolveRunID, "run-id", "", "run id owning the debt")
	resolve.Flags().StringVar(&taskID, "task-id", "", "id of the failed task")
	resolve.Flags().BoolVar(&resume, "resume", false, "readmit the task and its dependents into the ready set")
	_ = resolve.MarkFlagRequired("run-id")
	_ = resolve.MarkFlagRequired("task-id")
	cmd.AddCommand(resolve)

	return cmd
}

// --- decision ---

func newDecisionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "decision", Short: "approve or reject a pending decision gate request"}

	var requestID, principal, token string
	approve := &cobra.Command{
		Use:   "approve",
		Short: "approve a Confirmed or Arbitrated decision request",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"request_id": requestID, "principal": principal, "token": token})
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(http.MethodPost, "/v1/decisions/approve", bytes.NewReader(body), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	approve.Flags().StringVar(&requestID, "request-id", "", "decision request id")
	approve.Flags().StringVar(&principal, "principal", "", "approving principal (ignored for Arbitrated if a token is supplied)")
	approve.Flags().StringVar(&token, "token", "", "signed JWT, required for Arbitrated-level requests")
	_ = approve.MarkFlagRequired("request-id")
	cmd.AddCommand(approve)

	reject := &cobra.Command{
		Use:   "reject",
		Short: "reject a pending decision request",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"request_id": requestID, "principal": principal})
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(http.MethodPost, "/v1/decisions/reject", bytes.NewReader(body), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	reject.Flags().StringVar(&requestID, "request-id", "", "decision request id")
	reject.Flags().StringVar(&principal, "principal", "", "rejecting principal")
	_ = reject.MarkFlagRequired("request-id")
	cmd.AddCommand(reject)

	return cmd
}

// --- http helpers ---

func doJSON(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, addr+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling dagexecd at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dagexecd returned %s: %s", resp.Status, string(data))
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
