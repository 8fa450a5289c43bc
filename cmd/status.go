package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/registry"
)

var errNotRunning = errors.New("orchestrator is not running (connection refused)")

var statusHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	closedStyle   = cellStyle.Foreground(lipgloss.Color("10"))
	openStyle     = cellStyle.Foreground(lipgloss.Color("9"))
	halfOpenStyle = cellStyle.Foreground(lipgloss.Color("11"))
)

const stateColumn = 1

func newStatusCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show upstream health of a running orchestrator",
		Long:  "Query GET /v1/status on a running orchestrator and print one row per upstream.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("address")
			if addr == "" {
				addr = dialAddr(opts.cfg.Server.Address)
			}
			return runStatus(cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().String("address", "", "orchestrator address (defaults to server.address)")

	return cmd
}

func runStatus(out io.Writer, addr string) error {
	snapshots, err := fetchStatus(addr)
	if err != nil {
		if errors.Is(err, errNotRunning) {
			_, _ = fmt.Fprintf(out, "Orchestrator at %s is not running\n", addr)
			return nil
		}
		return err
	}

	if len(snapshots) == 0 {
		_, _ = fmt.Fprintf(out, "Orchestrator at %s has no upstreams registered\n", addr)
		return nil
	}

	_, err = fmt.Fprintln(out, renderStatus(snapshots))
	return err
}

func fetchStatus(addr string) ([]registry.HealthSnapshot, error) {
	resp, err := statusHTTPClient.Get("http://" + addr + "/v1/status")
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, errNotRunning
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snapshots []registry.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	return snapshots, nil
}

func renderStatus(snapshots []registry.HealthSnapshot) string {
	rows := make([][]string, 0, len(snapshots))
	for _, s := range snapshots {
		rows = append(rows, []string{
			s.Name,
			s.State.String(),
			healthLabel(s),
			strconv.Itoa(s.ConsecutiveFailures),
			strconv.Itoa(s.InFlight),
			orDash(s.RetryAfter),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("62"))).
		Headers("UPSTREAM", "BREAKER", "HEALTH", "FAILURES", "IN-FLIGHT", "RETRY AFTER").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == stateColumn && row >= 0 && row < len(snapshots) {
				return stateStyle(snapshots[row].State)
			}
			return cellStyle
		})

	return t.String()
}

func stateStyle(state circuitbreaker.State) lipgloss.Style {
	switch state {
	case circuitbreaker.StateOpen:
		return openStyle
	case circuitbreaker.StateHalfOpen:
		return halfOpenStyle
	default:
		return closedStyle
	}
}

func healthLabel(s registry.HealthSnapshot) string {
	switch {
	case s.LastCheckedAt == nil:
		return "unchecked"
	case s.LastHealthOk:
		return "up (" + s.LastCheckedAt.Local().Format(time.TimeOnly) + ")"
	default:
		return "down (" + s.LastCheckedAt.Local().Format(time.TimeOnly) + ")"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// dialAddr turns a listen address like ":8080" into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
