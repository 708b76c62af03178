package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/runstr/exitfee-saga/internal/coordinator"
	"github.com/runstr/exitfee-saga/internal/exitfee-service/infra/httpx"
	"github.com/runstr/exitfee-saga/internal/metrics"
)

func sweepCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the stuck-operation sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var outcomes []coordinator.SweepOutcome
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/reconcile", nil, nil, &outcomes); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(outcomes) == 0 {
				fmt.Fprintln(out, "nothing stuck")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tUSER\tBEFORE\tAFTER\tACTION\tERROR")
			for _, o := range outcomes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", o.OperationID, o.UserID, o.Before, o.After, o.Action, o.Error)
			}
			return w.Flush()
		},
	}
}

func stuckCmd(opts *clientOptions) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List operations stuck in a non-terminal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if threshold > 0 {
				q.Set("threshold", threshold.String())
			}
			var ops []httpx.AdminOperationResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/admin/analytics/stuck", q, nil, &ops); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tUSER\tSTATUS\tCREATED\tERROR")
			for _, op := range ops {
				errMsg := ""
				if op.Error != nil {
					errMsg = *op.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", op.ID, op.UserID, op.Status, op.CreatedAt, errMsg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "minimum age (default 1h)")
	return cmd
}

func reportCmd(opts *clientOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the metrics report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			var report metrics.Report
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/admin/metrics/export", q, nil, &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "range start, RFC 3339 (default 24h ago)")
	cmd.Flags().StringVar(&to, "to", "", "range end, RFC 3339 (default now)")
	return cmd
}

func revenueCmd(opts *clientOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "revenue",
		Short: "Show exit fee revenue for the trailing days",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			q := url.Values{"days": {strconv.Itoa(days)}}
			var resp struct {
				Revenue struct {
					TotalAmount   int64   `json:"total_amount"`
					PaymentCount  int     `json:"payment_count"`
					AverageAmount float64 `json:"average_amount"`
					SuccessRate   float64 `json:"success_rate"`
				} `json:"revenue"`
				Daily []struct {
					Date         string `json:"date"`
					TotalAmount  int64  `json:"total_amount"`
					PaymentCount int    `json:"payment_count"`
				} `json:"daily"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/admin/analytics/revenue", q, nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total: %d sats over %d payments (avg %.0f, success %.1f%%)\n",
				resp.Revenue.TotalAmount, resp.Revenue.PaymentCount, resp.Revenue.AverageAmount, resp.Revenue.SuccessRate*100)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tSATS\tPAYMENTS")
			for _, d := range resp.Daily {
				fmt.Fprintf(w, "%s\t%d\t%d\n", d.Date, d.TotalAmount, d.PaymentCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "number of days")
	return cmd
}

func resolveCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "resolve <operation-id> <paid|not_paid>",
		Short:     "Record the outcome of an operation under manual review",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{httpx.OutcomePaid, httpx.OutcomeNotPaid},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[1] != httpx.OutcomePaid && args[1] != httpx.OutcomeNotPaid {
				return fmt.Errorf("outcome must be %s or %s", httpx.OutcomePaid, httpx.OutcomeNotPaid)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var op httpx.AdminOperationResponse
			path := "/v1/admin/operations/" + url.PathEscape(args[0]) + "/resolve"
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, httpx.ResolveRequest{Outcome: args[1]}, &op); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", op.ID, op.Status)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
