package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	manager "proxynode/nodepool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured nodes with their persisted health",
	Long:  `Reads nodes.json and the state file and prints the pool as the node manager would restore it. No node is contacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := loadNodes(resolve(cfg.NodePoolConf.NodesFile))
		if err != nil {
			return err
		}
		// 只做加载与对齐，不探测
		m := manager.New(manager.Options{Records: records, Storage: stateStorage()})
		printNodeTable(os.Stdout, m.Status())
		return nil
	},
}

func printNodeTable(out io.Writer, st manager.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROTOCOL\tADDRESS\tENABLED\tACTIVE\tPENALTY\tLATENCY\tOK/FAIL\tLAST ERROR")
	for _, n := range st.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\t%d\t%s\t%d/%d\t%s\n",
			n.Record.ID,
			n.Record.Protocol,
			n.Record.Address(),
			n.Record.IsEnabled,
			n.Health.IsActive,
			n.Health.Penalty,
			formatLatency(n.Health.Latency),
			n.Health.SucceededCount,
			n.Health.FailedCount,
			n.Health.ErrorMessage,
		)
	}
	w.Flush()
	if len(st.Nodes) == 0 {
		fmt.Fprintln(out, "(no nodes configured)")
	}
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
