package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"chatkeeper/internal/agent"
	"chatkeeper/internal/dom"
	"chatkeeper/internal/logging"
	"chatkeeper/internal/mangle"
	"chatkeeper/internal/rules"

	"github.com/spf13/cobra"
)

var simulateTicks int

var simulateCmd = &cobra.Command{
	Use:   "simulate <page.html>",
	Short: "Run the agent against a saved HTML page",
	Long: `Loads an HTML snapshot of the chat page and runs the configured rules for a number of
ticks on a virtual clock. Clicks are recorded, not executed, so the page does not change; a
recovery therefore always falls through to the backup plan. Useful for checking selectors and
rule tables without a browser.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVarP(&simulateTicks, "ticks", "n", 3, "Number of ticks to run")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := rules.Compile(cfg.Agent)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}
	doc, err := dom.LoadHTMLFile(args[0])
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}

	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return fmt.Errorf("init telemetry engine: %w", err)
	}

	out := cmd.OutOrStdout()
	report, err := simulate(cmd.Context(), doc, agent.OptionsFromConfig(cfg.Agent, table), engine, cfg.Agent.GetCheckInterval(), simulateTicks)
	if err != nil {
		return err
	}
	report.print(out)
	return nil
}

type simulationReport struct {
	ticks   []string
	logs    []logging.Entry
	events  []dom.Event
	summary []mangle.PredicateCount
	stats   agent.Stats
}

// simulate advances a virtual clock by interval per tick and runs verifications
// inline once their delay has elapsed.
func simulate(ctx context.Context, doc *dom.HTMLDocument, opts agent.Options, engine *mangle.Engine, interval time.Duration, ticks int) (simulationReport, error) {
	clock := time.Unix(0, 0).UTC()
	mem := &logging.Memory{}
	opts.Log = mem
	opts.Now = func() time.Time { return clock }
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return ctx.Err()
	}
	if engine != nil {
		opts.Engine = engine
	}
	a := agent.New(doc, opts)

	var report simulationReport
	for i := 1; i <= ticks; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		clock = clock.Add(interval)
		res := a.Tick(ctx)
		line := fmt.Sprintf("tick %d: %s", i, res.Outcome)
		if res.Stage != "" {
			line += " (" + res.Stage + ")"
		}
		if res.Verify != nil {
			clock = clock.Add(res.Verify.After)
			line += fmt.Sprintf(", verification %s", a.Verify(ctx, res.Verify.SessionID))
		}
		report.ticks = append(report.ticks, line)
	}

	report.logs = mem.Entries()
	report.events = doc.Events()
	report.stats = a.Status().Stats
	if engine != nil {
		report.summary = engine.Summary()
	}
	return report, nil
}

func (r simulationReport) print(w io.Writer) {
	fmt.Fprintln(w, "== ticks")
	for _, t := range r.ticks {
		fmt.Fprintln(w, t)
	}
	fmt.Fprintln(w, "== log")
	for _, e := range r.logs {
		fmt.Fprintf(w, "[%s] %s\n", e.Severity, e.Message)
	}
	fmt.Fprintln(w, "== page events")
	for _, e := range r.events {
		if e.Text != "" {
			fmt.Fprintf(w, "%s %s %q\n", e.Kind, e.Target, e.Text)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", e.Kind, e.Target)
	}
	if len(r.summary) > 0 {
		fmt.Fprintln(w, "== facts")
		for _, c := range r.summary {
			fmt.Fprintf(w, "%s: %d\n", c.Predicate, c.Count)
		}
	}
	fmt.Fprintf(w, "== stats\n%+v\n", r.stats)
}
