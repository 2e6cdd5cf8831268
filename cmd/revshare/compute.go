package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/smallbiznis/revshare/internal/commission/calculator"
	"github.com/smallbiznis/revshare/internal/commission/ruledoc"
	"github.com/spf13/cobra"
)

var (
	computeRulePath  string
	computeEventPath string
	computeNow       string
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Evaluate one rule document against one event document",
	Example: `  revshare compute --rule rule.yaml --event event.yaml
  revshare compute --rule rule.yaml --event event.yaml --now 2026-03-01T00:00:00Z`,
	RunE: runCompute,
}

func init() {
	computeCmd.Flags().StringVar(&computeRulePath, "rule", "", "path to the rule YAML document")
	computeCmd.Flags().StringVar(&computeEventPath, "event", "", "path to the event YAML document")
	computeCmd.Flags().StringVar(&computeNow, "now", "", "evaluation time (RFC3339), defaults to the event time")
	_ = computeCmd.MarkFlagRequired("rule")
	_ = computeCmd.MarkFlagRequired("event")
}

func runCompute(cmd *cobra.Command, args []string) error {
	log, err := cliLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ruleDoc, err := ruledoc.LoadRule(computeRulePath)
	if err != nil {
		return err
	}
	rule, err := ruleDoc.Rule()
	if err != nil {
		return err
	}
	eventDoc, err := ruledoc.LoadEvent(computeEventPath)
	if err != nil {
		return err
	}
	event := eventDoc.Event()

	now := event.OccurredAt
	if computeNow != "" {
		now, err = time.Parse(time.RFC3339, computeNow)
		if err != nil {
			return errors.New("--now must be RFC3339")
		}
	}

	calc := calculator.New(calculator.Params{Log: log})
	record, err := calc.Compute(event, rule, calculator.Input{Now: now.UTC(), Volume: eventDoc.Volume})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}
