package provisionerapi_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/http/provisionerapi"
	"github.com/slok/clusterd/internal/model"
)

func TestClientAgainstServer(t *testing.T) {
	tests := map[string]struct {
		available bool
		finishErr error
		expTaken  bool
		expErr    error
	}{
		"Taking an available task and finishing it should work.": {
			available: true,
			expTaken:  true,
		},

		"Taking with no task available should return nothing.": {
			available: false,
			expTaken:  false,
		},

		"Finishing a task owned by other worker should return the ownership error.": {
			available: true,
			finishErr: fmt.Errorf("other: %w", model.ErrNotOwner),
			expTaken:  true,
			expErr:    model.ErrNotOwner,
		},

		"Finishing an unknown task should return a not found error.": {
			available: true,
			finishErr: fmt.Errorf("missing: %w", model.ErrNotFound),
			expTaken:  true,
			expErr:    model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			srv, err := provisionerapi.NewServer(provisionerapi.ServerConfig{Tasks: fakeTasks{
				take: func(opts dispatch.TakeOptions) (*model.TaskPayload, bool, error) {
					if !test.available {
						return nil, false, nil
					}
					return &model.TaskPayload{TaskID: "c1-001-001", TenantID: opts.TenantID, Config: model.PayloadConfig{NodeNum: 2}}, true, nil
				},
				finish: func(r model.CompletionReport) error { return test.finishErr },
			}})
			require.NoError(err)
			hs := httptest.NewServer(srv.Handler())
			defer hs.Close()

			cli, err := provisionerapi.NewClient(provisionerapi.ClientConfig{URL: hs.URL + "/"})
			require.NoError(err)

			ctx := context.Background()
			p, ok, err := cli.Take(ctx, dispatch.TakeOptions{TenantID: "t1", ProvisionerID: "p1", WorkerID: "w1"})
			require.NoError(err)
			assert.Equal(test.expTaken, ok)
			if !ok {
				return
			}
			assert.Equal("c1-001-001", p.TaskID)
			assert.Equal("t1", p.TenantID)
			assert.Equal(2, p.Config.NodeNum)

			err = cli.Finish(ctx, model.CompletionReport{TaskID: p.TaskID, WorkerID: "w1", ProvisionerID: "p1", TenantID: "t1"})
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
			} else {
				assert.NoError(err)
			}
		})
	}
}
