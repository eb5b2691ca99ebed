package model_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/clusterd/internal/model"
)

func TestNodeActionsAudit(t *testing.T) {
	assert := assert.New(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	n := model.Node{ID: model.NodeID("c1", 1)}
	assert.Equal("c1-node-001", n.ID)

	for i := 1; i <= model.MaxNodeActions+2; i++ {
		n.AddAction(model.NodeAction{TaskID: fmt.Sprintf("t%d", i), Status: model.TaskStatusNotSubmitted})
	}

	assert.Len(n.Actions, model.MaxNodeActions)
	assert.Equal("t3", n.Actions[0].TaskID)
	assert.Equal(fmt.Sprintf("t%d", model.MaxNodeActions+2), n.Actions[len(n.Actions)-1].TaskID)

	// Evicted entries can't be updated.
	assert.False(n.StartAction("t1", t0))

	assert.True(n.StartAction("t5", t0))
	assert.True(n.FinishAction("t5", model.TaskStatusComplete, t0.Add(time.Minute)))
	a := n.Actions[2]
	assert.Equal("t5", a.TaskID)
	assert.Equal(model.TaskStatusComplete, a.Status)
	assert.Equal(t0, a.StartTime)
	assert.Equal(t0.Add(time.Minute), a.StatusTime)
}

func TestNodeApplyReport(t *testing.T) {
	assert := assert.New(t)

	n := model.Node{
		Services:   []string{"web", "db"},
		Properties: model.NodeProperties{Hostname: "old", IPAddresses: map[string]string{"bind_v4": "10.0.0.1"}},
	}
	assert.True(n.HasService("db"))
	assert.False(n.HasService("cache"))
	assert.Equal("10.0.0.1", n.IP())

	n.ApplyReport(model.CompletionReport{
		IPAddresses: map[string]string{"access_v4": "1.2.3.4"},
		Result:      map[string]any{"disk": "ok"},
	})
	assert.Equal("old", n.Properties.Hostname)
	assert.Equal("1.2.3.4", n.IP())
	assert.Equal("10.0.0.1", n.Properties.IPAddresses["bind_v4"])
	assert.Equal("ok", n.Properties.Results["disk"])

	n.ApplyReport(model.CompletionReport{Hostname: "n1.local"})
	assert.Equal("n1.local", n.Properties.Hostname)
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
