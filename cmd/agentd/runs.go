package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/tasks"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a run",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its earlier runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var eventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Print the recorded events of the latest run",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow live events of one run, or of every run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List registered task kinds",
	Args:  cobra.NoArgs,
	RunE:  runKinds,
}

var (
	submitKind    string
	submitID      string
	submitPatient string
	submitPayload string
	submitWatch   bool
	listLimit     int
)

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "Task kind (required)")
	submitCmd.Flags().StringVar(&submitID, "id", "", "Run id (generated when empty)")
	submitCmd.Flags().StringVar(&submitPatient, "patient", "", "Patient id")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "Follow the run until it finishes")
	_ = submitCmd.MarkFlagRequired("kind")

	runsCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum runs to list (server default when 0)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := tasks.Request{ID: submitID, Kind: submitKind, PatientID: submitPatient}
	if submitPayload != "" {
		var payload any
		if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
		req.Payload = payload
	}
	if !submitWatch {
		id, err := submit(req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}

	// the id must be known before the stream starts so events can be matched
	if req.ID == "" {
		req.ID = idgen.New()
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	conn, err := dialStream(ctx, "")
	if err != nil {
		return err
	}
	if _, err := submit(req); err != nil {
		_ = conn.CloseNow()
		return err
	}
	var terminal eventbus.Event
	err = readStream(ctx, conn, func(evt eventbus.Event) bool {
		if evt.TaskID != req.ID {
			return true
		}
		printEvent(cmd.OutOrStdout(), evt)
		if evt.Type.Terminal() {
			terminal = evt
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if terminal.Type == eventbus.TypeError {
		return fmt.Errorf("run %s failed: %s", req.ID, terminal.Message)
	}
	return nil
}

func submit(req tasks.Request) (string, error) {
	body, err := apiPost("/api/runs", req)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/runs/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/runs"
	if listLimit > 0 {
		path += "?limit=" + strconv.Itoa(listLimit)
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}
	var items []runs.Run
	if err := json.Unmarshal(body, &items); err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), items)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/runs/" + args[0] + "/history")
	if err != nil {
		return err
	}
	var items []runs.Run
	if err := json.Unmarshal(body, &items); err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), items)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/runs/" + args[0] + "/events")
	if err != nil {
		return err
	}
	var events []eventbus.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return err
	}
	for _, evt := range events {
		printEvent(cmd.OutOrStdout(), evt)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	conn, err := dialStream(ctx, taskID)
	if err != nil {
		return err
	}
	return readStream(ctx, conn, func(evt eventbus.Event) bool {
		printEvent(cmd.OutOrStdout(), evt)
		return true
	})
}

func runKinds(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/kinds")
	if err != nil {
		return err
	}
	var kinds []string
	if err := json.Unmarshal(body, &kinds); err != nil {
		return err
	}
	for _, kind := range kinds {
		fmt.Fprintln(cmd.OutOrStdout(), kind)
	}
	return nil
}

func printRuns(out io.Writer, items []runs.Run) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, run := range items {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Kind, run.Status,
			run.StartedAt.Local().Format(time.DateTime),
			duration, truncate(run.Error, 40))
	}
	w.Flush()
}

func printEvent(out io.Writer, evt eventbus.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-20s %-9s", evt.TS.Local().Format("15:04:05.000"), evt.TaskID, evt.Type)
	if evt.Progress != nil {
		fmt.Fprintf(&b, " %3.0f%%", *evt.Progress*100)
	}
	if evt.Step != "" {
		fmt.Fprintf(&b, " [%s]", evt.Step)
	}
	if evt.Message != "" {
		fmt.Fprintf(&b, " %s", evt.Message)
	}
	if evt.Type == eventbus.TypeFinished && evt.Payload != nil {
		if data, err := json.Marshal(evt.Payload); err == nil {
			fmt.Fprintf(&b, " %s", data)
		}
	}
	fmt.Fprintln(out, b.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

