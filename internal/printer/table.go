package printer

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/slok/clusterd/internal/model"
)

// TablePrinter prints cluster information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintList prints clusters in a table format.
func (t *TablePrinter) PrintList(clusters []model.Cluster) error {
	if len(clusters) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tNODES\tCREATED")

	// Print rows
	for _, c := range clusters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Name, c.Status, len(c.NodeIDs), TimeAgo(c.CreatedAt))
	}

	return nil
}

// PrintStatus prints detailed cluster status.
func (t *TablePrinter) PrintStatus(report model.ClusterReport) error {
	c := report.Cluster
	fmt.Fprintf(t.writer, "Name:       %s\n", c.Name)
	fmt.Fprintf(t.writer, "ID:         %s\n", c.ID)
	fmt.Fprintf(t.writer, "Status:     %s\n", c.Status)
	fmt.Fprintf(t.writer, "Provider:   %s\n", c.Provider.Name)
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(c.CreatedAt))
	if !c.ExpireAt.IsZero() {
		fmt.Fprintf(t.writer, "Expires:    %s (%s)\n", FormatTimestamp(c.ExpireAt), TimeUntil(c.ExpireAt))
	}

	if j := report.Job; j != nil {
		fmt.Fprintf(t.writer, "Job:        %s (%s)\n", j.ID, j.ClusterAction)
		fmt.Fprintf(t.writer, "Job status: %s\n", j.Status)
		fmt.Fprintf(t.writer, "Progress:   %d/%d tasks, stage %d/%d\n", report.CompletedTasks, report.TotalTasks, min(j.CurrentStage+1, len(j.Stages)), len(j.Stages))
		if j.StatusMessage != "" {
			fmt.Fprintf(t.writer, "Message:    %s\n", j.StatusMessage)
		}
	}

	if len(report.Nodes) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NODE\tHOSTNAME\tIPS\tSERVICES\tLAST ACTION")
	for _, n := range report.Nodes {
		last := "-"
		if len(n.Actions) > 0 {
			a := n.Actions[len(n.Actions)-1]
			last = fmt.Sprintf("%s %s", a.Action, a.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.ID, orDash(n.Properties.Hostname), orDash(formatIPs(n.Properties.IPAddresses)), orDash(strings.Join(n.Services, ",")), last)
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func formatIPs(ips map[string]string) string {
	keys := make([]string, 0, len(ips))
	for k := range ips {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, ips[k]))
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
