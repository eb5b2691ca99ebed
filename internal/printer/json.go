package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/clusterd/internal/model"
)

// JSONPrinter prints cluster information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a cluster in the list output (subset of fields).
type listItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Nodes     int       `json:"nodes"`
	CreatedAt time.Time `json:"created_at"`
}

// statusOutput represents the full cluster status output.
type statusOutput struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	TenantID  string       `json:"tenant_id"`
	Status    string       `json:"status"`
	Provider  string       `json:"provider"`
	CreatedAt time.Time    `json:"created_at"`
	ExpireAt  *time.Time   `json:"expire_at"`
	Job       *jobOutput   `json:"job,omitempty"`
	Nodes     []nodeOutput `json:"nodes"`
}

type jobOutput struct {
	ID             string     `json:"id"`
	Action         string     `json:"action"`
	Status         string     `json:"status"`
	Message        string     `json:"message,omitempty"`
	Stages         [][]string `json:"stages"`
	CurrentStage   int        `json:"current_stage"`
	CompletedTasks int        `json:"completed_tasks"`
	TotalTasks     int        `json:"total_tasks"`
}

type nodeOutput struct {
	ID          string            `json:"id"`
	Num         int               `json:"num"`
	Hostname    string            `json:"hostname,omitempty"`
	IPAddresses map[string]string `json:"ip_addresses,omitempty"`
	Services    []string          `json:"services"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintList prints clusters in JSON format with a subset of fields.
func (j *JSONPrinter) PrintList(clusters []model.Cluster) error {
	items := make([]listItem, len(clusters))
	for i, c := range clusters {
		items[i] = listItem{
			ID:        c.ID,
			Name:      c.Name,
			Status:    string(c.Status),
			Nodes:     len(c.NodeIDs),
			CreatedAt: c.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintStatus prints detailed cluster status in JSON format.
func (j *JSONPrinter) PrintStatus(report model.ClusterReport) error {
	c := report.Cluster
	output := statusOutput{
		ID:        c.ID,
		Name:      c.Name,
		TenantID:  c.TenantID,
		Status:    string(c.Status),
		Provider:  c.Provider.Name,
		CreatedAt: c.CreatedAt.UTC(),
		Nodes:     make([]nodeOutput, 0, len(report.Nodes)),
	}

	if !c.ExpireAt.IsZero() {
		utcTime := c.ExpireAt.UTC()
		output.ExpireAt = &utcTime
	}

	if job := report.Job; job != nil {
		output.Job = &jobOutput{
			ID:             job.ID,
			Action:         string(job.ClusterAction),
			Status:         string(job.Status),
			Message:        job.StatusMessage,
			Stages:         job.Stages,
			CurrentStage:   job.CurrentStage,
			CompletedTasks: report.CompletedTasks,
			TotalTasks:     report.TotalTasks,
		}
	}

	for _, n := range report.Nodes {
		output.Nodes = append(output.Nodes, nodeOutput{
			ID:          n.ID,
			Num:         n.Num,
			Hostname:    n.Properties.Hostname,
			IPAddresses: n.Properties.IPAddresses,
			Services:    n.Services,
		})
	}

	return j.encode(output)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
