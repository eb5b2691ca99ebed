package model

// TaskPayload is what the provisioners receive to execute a task.
type TaskPayload struct {
	TaskID    string        `json:"taskId"`
	JobID     string        `json:"jobId"`
	ClusterID string        `json:"clusterId"`
	TenantID  string        `json:"tenantId"`
	TaskName  string        `json:"taskName"`
	NodeID    string        `json:"nodeId"`
	Config    PayloadConfig `json:"config"`
}

// PayloadConfig is the fully resolved configuration of a task.
type PayloadConfig struct {
	Provider    PayloadProvider   `json:"provider"`
	Service     *PayloadService   `json:"service,omitempty"`
	Cluster     map[string]any    `json:"cluster,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	IPAddresses map[string]string `json:"ipaddresses,omitempty"`
	NodeNum     int               `json:"nodenum"`
	Flavor      string            `json:"flavor,omitempty"`
	Image       string            `json:"image,omitempty"`
}

// PayloadProvider is the provider section of a task payload.
type PayloadProvider struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"provisioner,omitempty"`
}

// PayloadService is the service section of a task payload.
type PayloadService struct {
	Name   string        `json:"name"`
	Action PayloadAction `json:"action"`
}

// PayloadAction is how the service action should be executed.
type PayloadAction struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// CompletionReport is what the provisioners report after executing a task.
type CompletionReport struct {
	TaskID        string `json:"taskId"`
	WorkerID      string `json:"workerId"`
	ProvisionerID string `json:"provisionerId"`
	TenantID      string `json:"tenantId"`
	// Status is the result code, 0 is success.
	Status      int               `json:"status"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	IPAddresses map[string]string `json:"ipaddresses,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
}

// CarriesResource returns true if the report has data of a created resource.
func (r CompletionReport) CarriesResource() bool {
	return r.Hostname != "" || len(r.IPAddresses) > 0 || len(r.Result) > 0
}

// ConsumerID returns the queue consumer ID of a provisioner worker.
func ConsumerID(provisionerID, workerID string) string {
	return provisionerID + "." + workerID
}

// ClusterActionRequest is a request to plan a cluster action.
type ClusterActionRequest struct {
	ClusterID string        `json:"clusterId"`
	JobID     string        `json:"jobId"`
	Action    ClusterAction `json:"action"`
}
