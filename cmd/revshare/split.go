package main

import (
	"encoding/json"

	"github.com/smallbiznis/revshare/internal/order/orderdoc"
	"github.com/smallbiznis/revshare/internal/order/splitter"
	"github.com/spf13/cobra"
)

var splitOrderPath string

var splitCmd = &cobra.Command{
	Use:     "split",
	Short:   "Split an order document into per-vendor sub-orders",
	Example: `  revshare split --order order.yaml`,
	RunE:    runSplit,
}

func init() {
	splitCmd.Flags().StringVar(&splitOrderPath, "order", "", "path to the order YAML document")
	_ = splitCmd.MarkFlagRequired("order")
}

func runSplit(cmd *cobra.Command, args []string) error {
	doc, err := orderdoc.Load(splitOrderPath)
	if err != nil {
		return err
	}
	parent, items := doc.Parent()
	subs, err := splitter.Split(parent, items, splitter.ByItemVendor)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(subs)
}
