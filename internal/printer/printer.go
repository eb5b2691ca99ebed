package printer

import "github.com/slok/clusterd/internal/model"

// Printer knows how to print cluster information in different formats.
type Printer interface {
	PrintList(clusters []model.Cluster) error
	PrintStatus(report model.ClusterReport) error
	PrintMessage(msg string) error
}
