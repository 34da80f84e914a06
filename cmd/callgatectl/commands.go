package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"callgate/admission"
	"callgate/admission/domain"

	"github.com/spf13/cobra"
)

func newOverviewCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Show capacity usage of every store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, raw, err := opts.client().overview(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			printOverview(out, ov)
			return nil
		},
	}
}

func printOverview(out io.Writer, ov domain.Overview) {
	rows := make([][]string, 0, len(ov.Stores))
	for _, s := range ov.Stores {
		rows = append(rows, []string{
			string(s.StoreID),
			s.Plan,
			fmt.Sprintf("%d/%d", s.ActiveCalls, s.MaxConcurrent),
			fmt.Sprintf("%d/%d", s.QueueSize, s.MaxQueue),
			strconv.Itoa(s.UtilizationPercent) + "%",
			string(s.Status),
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft}
	fmt.Fprintln(out, renderTable([]string{"Store", "Plan", "Active", "Queue", "Util", "Status"}, rows, aligns))

	t := ov.Totals
	fmt.Fprintf(out, "stores=%d active=%d/%d queued=%d/%d util=%d%% full=%d\n",
		t.Stores, t.ActiveCalls, t.MaxConcurrent, t.QueueSize, t.MaxQueue, t.UtilizationPercent, t.FullStores)
	if ov.FailedStores > 0 {
		fmt.Fprintf(out, "failed stores: %d\n", ov.FailedStores)
		for _, f := range ov.Failures {
			fmt.Fprintf(out, "  %s: %s\n", f.StoreID, f.Error)
		}
	}
}

func newStoreCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "store <store-id>",
		Short: "Show active calls and queue of one store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, raw, err := opts.client().store(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			printStore(out, d)
			return nil
		},
	}
}

func printStore(out io.Writer, d domain.StoreDetail) {
	s := d.QueueStatus
	fmt.Fprintf(out, "%s  plan=%s  active=%d/%d  queued=%d/%d  %s\n",
		s.StoreID, s.Plan, s.ActiveCalls, s.MaxConcurrent, s.QueueSize, s.MaxQueue, s.Status)

	active := make([][]string, 0, len(d.ActiveCalls))
	for _, c := range d.ActiveCalls {
		active = append(active, []string{string(c.CallID), c.StartedAt.Local().Format(time.TimeOnly), (time.Duration(c.DurationSeconds) * time.Second).String()})
	}
	fmt.Fprintln(out, renderTable([]string{"Active call", "Started", "Duration"}, active,
		[]columnAlignment{alignLeft, alignLeft, alignRight}))

	queued := make([][]string, 0, len(d.QueueItems))
	for _, q := range d.QueueItems {
		queued = append(queued, []string{strconv.Itoa(q.Position), string(q.CallID), q.QueuedAt.Local().Format(time.TimeOnly), (time.Duration(q.WaitTimeSeconds) * time.Second).String()})
	}
	fmt.Fprintln(out, renderTable([]string{"#", "Queued call", "Queued at", "Waiting"}, queued,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight}))
}

func newHistoryCommand(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <store-id>",
		Short: "Show recent call events of one store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, raw, err := opts.client().history(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				_, err := out.Write(raw)
				return err
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				dur := ""
				if r.DurationMS > 0 {
					dur = (time.Duration(r.DurationMS) * time.Millisecond).Round(time.Second).String()
				}
				rows = append(rows, []string{r.At, r.CallID, r.Kind, r.Reason, r.PlanID, dur})
			}
			fmt.Fprintln(out, renderTable([]string{"At", "Call", "Event", "Reason", "Plan", "Duration"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func newHangupCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hangup <call-id>",
		Short: "Force hangup of a call (queue is promoted as on a normal end)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, domain.AdminCommand{Action: domain.ActionForceHangup, CallID: domain.CallID(args[0])})
		},
	}
}

func newClearQueueCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-queue <store-id>",
		Short: "Release every queued call of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, domain.AdminCommand{Action: domain.ActionClearQueue, StoreID: domain.StoreID(args[0])})
		},
	}
}

func newTransferCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <call-id> <number>",
		Short: "Bridge a call to a human number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, domain.AdminCommand{
				Action:       domain.ActionTransferCall,
				CallID:       domain.CallID(args[0]),
				TargetNumber: args[1],
			})
		},
	}
}

func runAction(cmd *cobra.Command, opts *cliOptions, action domain.AdminCommand) error {
	// valida localmente antes de ir à rede
	if err := action.Validate(); err != nil {
		return err
	}
	res, err := opts.client().action(cmd.Context(), action)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or CALLGATE_OPERATOR_SECRET is required")
			}
			tok, err := admission.IssueOperatorToken([]byte(secret), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("CALLGATE_OPERATOR_SECRET"), "Operator signing secret")
	cmd.Flags().StringVar(&subject, "subject", envDefault("USER", "operator"), "Operator name")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "Token lifetime")
	return cmd
}
