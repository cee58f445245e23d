// Command cascadectl is the operator CLI for a cascadeflow instance.
//
// Environment:
//
//	CASCADEFLOW_URL          Base URL (default: http://localhost:8080)
//	CASCADEFLOW_API_KEY      Bearer token for /v1 endpoints
//	CASCADEFLOW_ADMIN_TOKEN  Bearer token for /admin/v1 endpoints
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "cascadectl",
		Short:         "CLI for the cascadeflow routing service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		modelsCmd(),
		runsCmd(),
		statsCmd(),
		keysCmd(),
		healthCmd(),
		eventsCmd(),
		auditCmd(),
		vaultCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// --- run ---

type runResult struct {
	Content       string `json:"content"`
	ModelUsed     string `json:"model_used"`
	Cascaded      bool   `json:"cascaded"`
	DraftAccepted bool   `json:"draft_accepted"`
	Complexity    string `json:"complexity"`
	Domain        string `json:"domain"`
	TraceID       string `json:"trace_id"`
	Cost          struct {
		TotalCost      float64 `json:"total_cost"`
		CostSaved      float64 `json:"cost_saved"`
		SavingsPercent float64 `json:"savings_percent"`
		TotalTokens    int     `json:"total_tokens"`
	} `json:"cost"`
	Timing struct {
		TotalMs int64 `json:"total_ms"`
	} `json:"timing"`
}

func runCmd() *cobra.Command {
	var (
		system      string
		maxTokens   int
		temperature float64
		threshold   float64
		validation  string
		direct      bool
		user        string
		tier        string
		stream      bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Send one query through the cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"prompt": args[0]}
			if system != "" {
				body["system_prompt"] = system
			}
			if maxTokens > 0 {
				body["max_tokens"] = maxTokens
			}
			if cmd.Flags().Changed("temperature") {
				body["temperature"] = temperature
			}
			if threshold > 0 {
				body["threshold"] = threshold
			}
			if validation != "" {
				body["validation"] = validation
			}
			if direct {
				body["force_direct"] = true
			}
			if user != "" {
				body["user_id"] = user
			}
			if tier != "" {
				body["tier"] = tier
			}

			c := newClient()
			if stream {
				return streamRun(c, body)
			}

			var res runResult
			if err := c.call("POST", "/v1/run", body, &res); err != nil {
				return err
			}
			if asJSON {
				fmt.Println(prettyJSON(res))
				return nil
			}
			fmt.Println(res.Content)
			fmt.Fprintf(os.Stderr, "\nmodel=%s cascaded=%s accepted=%s cost=%s saved=%s (%.0f%%) tokens=%d latency=%s trace=%s\n",
				res.ModelUsed, yesNo(res.Cascaded), yesNo(res.DraftAccepted),
				fmtCost(res.Cost.TotalCost), fmtCost(res.Cost.CostSaved), res.Cost.SavingsPercent,
				res.Cost.TotalTokens, fmtLatency(res.Timing.TotalMs), res.TraceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max output tokens")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "quality acceptance threshold")
	cmd.Flags().StringVar(&validation, "validation", "", "validation method override")
	cmd.Flags().BoolVar(&direct, "direct", false, "skip the cascade, use the strong model")
	cmd.Flags().StringVar(&user, "user", "", "user id for budget accounting")
	cmd.Flags().StringVar(&tier, "tier", "", "budget tier")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they arrive")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

// streamRun relays SSE deltas to stdout as they arrive.
func streamRun(c *apiClient, body map[string]any) error {
	resp, err := c.do("POST", "/v1/stream", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		sc := bufio.NewScanner(resp.Body)
		var msg strings.Builder
		for sc.Scan() {
			msg.WriteString(sc.Text())
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg.String())
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "chunk":
				var d struct {
					Content string `json:"content"`
				}
				if unmarshal(payload, &d) == nil {
					fmt.Print(d.Content)
				}
			case "error":
				var e struct {
					Error   string         `json:"error"`
					Content string         `json:"content"`
					Data    map[string]any `json:"data"`
				}
				if unmarshal(payload, &e) == nil {
					msg := e.Error
					if msg == "" {
						msg = e.Content
					}
					if msg == "" {
						msg, _ = e.Data["error"].(string)
					}
					return fmt.Errorf("stream error: %s", msg)
				}
			case "complete":
				fmt.Println()
			}
		}
	}
	return sc.Err()
}

// --- models / runs / stats ---

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the service routes across",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var out struct {
				Models []struct {
					Name          string  `json:"name"`
					Provider      string  `json:"provider"`
					InputPer1K    float64 `json:"cost_per_1k_input"`
					OutputPer1K   float64 `json:"cost_per_1k_output"`
					MaxTokens     int     `json:"max_tokens"`
					SupportsTools bool    `json:"supports_tools"`
				} `json:"models"`
			}
			if err := newClient().call("GET", "/v1/models", nil, &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROVIDER\tIN $/1K\tOUT $/1K\tCONTEXT\tTOOLS")
			for _, m := range out.Models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					m.Name, m.Provider, fmtCost(m.InputPer1K), fmtCost(m.OutputPer1K),
					m.MaxTokens, yesNo(m.SupportsTools))
			}
			return tw.Flush()
		},
	}
}

func runsCmd() *cobra.Command {
	var (
		limit int
		trace string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run ledger, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c := newClient()
			if trace != "" {
				var rec map[string]any
				if err := c.call("GET", "/v1/runs?trace_id="+trace, nil, &rec); err != nil {
					return err
				}
				fmt.Println(prettyJSON(rec))
				return nil
			}
			var out struct {
				Runs []struct {
					TraceID       string    `json:"trace_id"`
					Timestamp     time.Time `json:"timestamp"`
					Strategy      string    `json:"strategy"`
					ModelUsed     string    `json:"model_used"`
					DraftAccepted bool      `json:"draft_accepted"`
					TotalTokens   int       `json:"total_tokens"`
					CostUSD       float64   `json:"cost_usd"`
					LatencyMs     int64     `json:"latency_ms"`
					Success       bool      `json:"success"`
					ErrorKind     string    `json:"error_kind"`
				} `json:"runs"`
			}
			if err := c.call("GET", fmt.Sprintf("/v1/runs?limit=%d", limit), nil, &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTRACE\tSTRATEGY\tMODEL\tACCEPTED\tTOKENS\tCOST\tLATENCY\tOK")
			for _, r := range out.Runs {
				ok := "yes"
				if !r.Success {
					ok = r.ErrorKind
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					fmtTime(r.Timestamp), r.TraceID, r.Strategy, r.ModelUsed,
					yesNo(r.DraftAccepted), r.TotalTokens, fmtCost(r.CostUSD),
					fmtLatency(r.LatencyMs), ok)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&trace, "trace", "", "look up a single run by trace id")
	return cmd
}

func statsCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show rolling-window aggregates",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var out map[string]any
			if err := newClient().call("GET", "/v1/stats?by="+by, nil, &out); err != nil {
				return err
			}
			fmt.Println(prettyJSON(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "global", "grouping: global, model, or domain")
	return cmd
}

// --- keys (admin) ---

type keyRecord struct {
	ID               string     `json:"id"`
	KeyPrefix        string     `json:"key_prefix"`
	Name             string     `json:"name"`
	Tier             string     `json:"tier"`
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	Enabled          bool       `json:"enabled"`
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys (admin)",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var out struct {
				Keys []keyRecord `json:"keys"`
			}
			if err := newClient().call("GET", "/admin/v1/keys", nil, &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tTIER\tBUDGET\tENABLED\tCREATED\tLAST USED")
			for _, k := range out.Keys {
				budget := "-"
				if k.MonthlyBudgetUSD > 0 {
					budget = fmtCost(k.MonthlyBudgetUSD)
				}
				lastUsed := "-"
				if k.LastUsedAt != nil {
					lastUsed = fmtTime(*k.LastUsedAt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					k.ID, k.Name, k.KeyPrefix, k.Tier, budget, yesNo(k.Enabled),
					fmtTime(k.CreatedAt), lastUsed)
			}
			return tw.Flush()
		},
	}

	var (
		tier   string
		budget float64
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]any{"name": args[0]}
			if tier != "" {
				body["tier"] = tier
			}
			if budget > 0 {
				body["monthly_budget_usd"] = budget
			}
			var out struct {
				Key    string    `json:"key"`
				Record keyRecord `json:"record"`
			}
			if err := newClient().call("POST", "/admin/v1/keys", body, &out); err != nil {
				return err
			}
			fmt.Printf("API key created.\n  ID:  %s\n  Key: %s\n", out.Record.ID, out.Key)
			fmt.Println("\n  Save this key now; it will not be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&tier, "tier", "", "budget tier for requests made with this key")
	create.Flags().Float64Var(&budget, "budget", 0, "monthly budget override in USD")

	rotate := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Rotate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out struct {
				Key string `json:"key"`
			}
			if err := newClient().call("POST", "/admin/v1/keys/"+args[0]+"/rotate", map[string]any{}, &out); err != nil {
				return err
			}
			fmt.Printf("API key rotated.\n  New key: %s\n", out.Key)
			fmt.Println("\n  Save this key now; it will not be shown again.")
			return nil
		},
	}

	enable := &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return patchKey(args[0], map[string]any{"enabled": true})
		},
	}
	disable := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return patchKey(args[0], map[string]any{"enabled": false})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := newClient().call("DELETE", "/admin/v1/keys/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("API key deleted.")
			return nil
		},
	}

	cmd.AddCommand(list, create, rotate, enable, disable, del)
	return cmd
}

func patchKey(id string, body map[string]any) error {
	if err := newClient().call("PATCH", "/admin/v1/keys/"+id, body, nil); err != nil {
		return err
	}
	fmt.Println("API key updated.")
	return nil
}

// --- health / events / audit / vault ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show provider health",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var out struct {
				Providers []struct {
					Provider      string    `json:"provider"`
					State         string    `json:"state"`
					TotalRequests int64     `json:"total_requests"`
					ConsecErrors  int       `json:"consec_errors"`
					AvgLatencyMs  float64   `json:"avg_latency_ms"`
					LastSuccessAt time.Time `json:"last_success_at"`
					LastError     string    `json:"last_error"`
				} `json:"providers"`
			}
			if err := newClient().call("GET", "/v1/health/providers", nil, &out); err != nil {
				return err
			}
			if len(out.Providers) == 0 {
				fmt.Println("No provider health data yet.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tSTATE\tREQUESTS\tCONSEC ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
			for _, p := range out.Providers {
				lastErr := p.LastError
				if len(lastErr) > 60 {
					lastErr = lastErr[:57] + "..."
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0fms\t%s\t%s\n",
					p.Provider, p.State, p.TotalRequests, p.ConsecErrors,
					p.AvgLatencyMs, fmtTime(p.LastSuccessAt), lastErr)
			}
			return tw.Flush()
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream live pipeline events",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := newClient().do("GET", "/v1/events", nil)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			fmt.Println("Streaming events (Ctrl-C to stop)...")
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt struct {
					Type    string         `json:"type"`
					TraceID string         `json:"trace_id"`
					Data    map[string]any `json:"data"`
				}
				if unmarshal(payload, &evt) != nil || evt.Type == "" {
					continue
				}
				ts := time.Now().Format("15:04:05")
				var kv strings.Builder
				for _, k := range []string{"model", "domain", "strategy", "cost_usd", "error"} {
					if v, ok := evt.Data[k]; ok {
						fmt.Fprintf(&kv, " %s=%v", k, v)
					}
				}
				fmt.Printf("[%s] %-16s trace=%s%s\n", ts, evt.Type, evt.TraceID, kv.String())
			}
			fmt.Println("Event stream closed.")
			return sc.Err()
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the admin audit trail",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var out struct {
				Audit []struct {
					Timestamp time.Time `json:"timestamp"`
					Action    string    `json:"action"`
					Resource  string    `json:"resource"`
					RequestID string    `json:"request_id"`
				} `json:"audit"`
			}
			if err := newClient().call("GET", fmt.Sprintf("/admin/v1/audit?limit=%d", limit), nil, &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tREQUEST ID")
			for _, e := range out.Audit {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", fmtTime(e.Timestamp), e.Action, e.Resource, e.RequestID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Lock or unlock the credential vault (admin)",
	}
	unlock := &cobra.Command{
		Use:   "unlock <passphrase>",
		Short: "Unlock the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := newClient().call("POST", "/admin/v1/vault/unlock", map[string]any{"passphrase": args[0]}, nil); err != nil {
				return err
			}
			fmt.Println("Vault unlocked.")
			return nil
		},
	}
	lock := &cobra.Command{
		Use:   "lock",
		Short: "Lock the vault",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := newClient().call("POST", "/admin/v1/vault/lock", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Println("Vault locked.")
			return nil
		},
	}
	cmd.AddCommand(unlock, lock)
	return cmd
}
