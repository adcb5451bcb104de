package runpod

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// graphqlServer decodes the query and dispatches on a substring match.
func graphqlServer(t *testing.T, handle func(query string, variables map[string]any) (string, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		body, status := handle(req.Query, req.Variables)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func TestValidateKey(t *testing.T) {
	srv := graphqlServer(t, func(query string, _ map[string]any) (string, int) {
		assert.Contains(t, query, "myself")
		return `{"data": {"myself": {"id": "user-1"}}}`, http.StatusOK
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	ok, err := c.ValidateKey(context.Background(), "test-key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateKey_GraphQLErrorSurfaced(t *testing.T) {
	srv := graphqlServer(t, func(string, map[string]any) (string, int) {
		return `{"errors": [{"message": "Unauthorized"}]}`, http.StatusOK
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.ValidateKey(context.Background(), "test-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestDeploy(t *testing.T) {
	srv := graphqlServer(t, func(query string, variables map[string]any) (string, int) {
		assert.Contains(t, query, "podFindAndDeployOnDemand")
		input := variables["input"].(map[string]any)
		assert.Equal(t, "studio-wan2.2-0001", input["name"])
		assert.Equal(t, "6au21jp9c9", input["templateId"])
		assert.Equal(t, "/workspace", input["volumeMountPath"])
		return `{"data": {"podFindAndDeployOnDemand": {
			"id": "pod-abc", "name": "studio-wan2.2-0001", "desiredStatus": "CREATED"
		}}}`, http.StatusOK
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	info, err := c.Deploy(context.Background(), "test-key", ports.DeployConfig{
		Name:       "studio-wan2.2-0001",
		TemplateID: "6au21jp9c9",
		GPUTypeID:  "NVIDIA GeForce RTX 4090",
		GPUCount:   1,
		CloudType:  "COMMUNITY",
	})
	require.NoError(t, err)
	assert.Equal(t, "pod-abc", info.ID)
	assert.Equal(t, domain.WorkerStatusDeploying, info.Status)
}

func TestPodStatus_Normalization(t *testing.T) {
	tests := []struct {
		desired    string
		runtime    string
		wantStatus domain.WorkerStatus
		wantRT     bool
	}{
		{"RUNNING", `{"uptimeInSeconds": 12}`, domain.WorkerStatusRunning, true},
		{"RUNNING", "null", domain.WorkerStatusRunning, false},
		{"CREATED", "null", domain.WorkerStatusDeploying, false},
		{"EXITED", "null", domain.WorkerStatusFailed, false},
		{"TERMINATED", "null", domain.WorkerStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.desired+"/"+tt.runtime, func(t *testing.T) {
			srv := graphqlServer(t, func(query string, variables map[string]any) (string, int) {
				assert.Equal(t, "pod-1", variables["podId"])
				return fmt.Sprintf(`{"data": {"pod": {
					"id": "pod-1", "name": "w", "desiredStatus": %q, "runtime": %s
				}}}`, tt.desired, tt.runtime), http.StatusOK
			})
			defer srv.Close()

			c := NewClient(srv.URL)
			info, err := c.PodStatus(context.Background(), "test-key", "pod-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, info.Status)
			assert.Equal(t, tt.wantRT, info.HasRuntime)
		})
	}
}

func TestPodStatus_NotFound(t *testing.T) {
	srv := graphqlServer(t, func(string, map[string]any) (string, int) {
		return `{"data": {"pod": null}}`, http.StatusOK
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.PodStatus(context.Background(), "test-key", "pod-1")
	assert.Error(t, err)
}

func TestListPods(t *testing.T) {
	srv := graphqlServer(t, func(query string, _ map[string]any) (string, int) {
		assert.True(t, strings.Contains(query, "pods"))
		return `{"data": {"myself": {"pods": [
			{"id": "pod-1", "name": "a", "desiredStatus": "RUNNING", "runtime": {"uptimeInSeconds": 5}},
			{"id": "pod-2", "name": "b", "desiredStatus": "EXITED", "runtime": null}
		]}}}`, http.StatusOK
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	pods, err := c.ListPods(context.Background(), "test-key")
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, domain.WorkerStatusRunning, pods[0].Status)
	assert.Equal(t, domain.WorkerStatusFailed, pods[1].Status)
}

func TestTerminate(t *testing.T) {
	srv := graphqlServer(t, func(query string, variables map[string]any) (string, int) {
		assert.Contains(t, query, "podTerminate")
		assert.Equal(t, "pod-1", variables["podId"])
		return `{"data": {"podTerminate": null}}`, http.StatusOK
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	assert.NoError(t, c.Terminate(context.Background(), "test-key", "pod-1"))
}

func TestProxyEndpointDerivation(t *testing.T) {
	assert.Equal(t, "https://pod-abc-8188.proxy.runpod.net", EngineURL("pod-abc"))
	assert.Equal(t, "https://pod-abc-8001.proxy.runpod.net", LogServerURL("pod-abc"))
}
