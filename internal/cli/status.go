package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	units "github.com/docker/go-units"

	"github.com/Paintersrp/warden/internal/api"
)

var statusHTTPClient = &http.Client{Timeout: 5 * time.Second}

func newStatusCmd(ctx *context) *cobra.Command {
	var (
		addr         string
		asJSON       bool
		historyLimit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running warden via its status endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := addr
			if target == "" {
				cfg, err := ctx.loadConfig()
				if err != nil {
					return fmt.Errorf("no --addr given and config unavailable: %w", err)
				}
				target = cfg.Metrics.Addr
			}
			if target == "" {
				return errors.New("no status address: pass --addr or set metrics.addr")
			}

			report, raw, err := fetchStatus(cmd, target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(raw)
				return err
			}
			printStatus(out, report, historyLimit, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Address of the warden status server (defaults to metrics.addr from the config file)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON status report")
	cmd.Flags().IntVar(&historyLimit, "history", 0, "Show the last N transitions")
	return cmd
}

func statusURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/api/v1/status"
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr + "/api/v1/status"
}

func fetchStatus(cmd *cobra.Command, addr string) (*api.StatusReport, []byte, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, statusURL(addr), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := statusHTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Message != "" {
			return nil, nil, fmt.Errorf("status: %s (HTTP %d)", body.Message, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("status: HTTP %d", resp.StatusCode)
	}
	var report api.StatusReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, raw, nil
}

func printStatus(out io.Writer, report *api.StatusReport, historyLimit int, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROCESS\tSTATE\tPID\tATTEMPT\tRESTARTS\tBUDGET\tUPTIME\tLAST FAILURE")
	uptime := "-"
	if report.Pid > 0 && !report.StartedAt.IsZero() {
		uptime = units.HumanDuration(now.Sub(report.StartedAt))
	}
	pid := "-"
	if report.Pid > 0 {
		pid = fmt.Sprintf("%d", report.Pid)
	}
	budget := "unlimited"
	if report.RestartBudget >= 0 {
		budget = fmt.Sprintf("%d", report.RestartBudget)
	}
	lastFailure := report.LastFailure
	if lastFailure == "" {
		lastFailure = "-"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
		report.Process, formatStatusState(report.State), pid, report.Attempt, report.Restarts, budget, uptime, lastFailure)
	w.Flush()

	if len(report.Checks) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHECK\tOK\tPASSES\tFAILURES\tLAST RUN")
		for _, check := range report.Checks {
			ok := "No"
			if check.OK {
				ok = "Yes"
			}
			last := "-"
			if !check.LastCheck.IsZero() {
				last = units.HumanDuration(now.Sub(check.LastCheck)) + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", check.Name, ok, check.Passes, check.Failures, last)
		}
		w.Flush()
	}

	if historyLimit > 0 && len(report.History) > 0 {
		history := report.History
		if len(history) > historyLimit {
			history = history[len(history)-historyLimit:]
		}
		fmt.Fprintln(out, "\nHistory:")
		for _, entry := range history {
			check := entry.Check
			if check == "" {
				check = "-"
			}
			fmt.Fprintf(out, "  %s  %-14s  %-12s  %s\n",
				entry.Timestamp.Format(time.RFC3339), entry.Type, check, entry.Message)
		}
	}
}

func formatStatusState(s api.State) string {
	if s == "" {
		return "-"
	}
	str := string(s)
	if len(str) <= 1 {
		return strings.ToUpper(str)
	}
	return strings.ToUpper(str[:1]) + str[1:]
}
