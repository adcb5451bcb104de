package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// Client is a thin wrapper over the compute provider's GraphQL control
// plane. It performs no retries; retry policy belongs to the provisioner.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ ports.ControlPlane = (*Client)(nil)

func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = "https://api.runpod.io/graphql"
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// do executes one GraphQL request and decodes the "data" object into out.
func (c *Client) do(ctx context.Context, apiKey, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read control plane response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned status %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode control plane response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("control plane error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode control plane data: %w", err)
		}
	}
	return nil
}

// ValidateKey checks the credential with the cheapest authenticated query.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) (bool, error) {
	var data struct {
		Myself struct {
			ID string `json:"id"`
		} `json:"myself"`
	}
	if err := c.do(ctx, apiKey, `query { myself { id } }`, nil, &data); err != nil {
		return false, err
	}
	return data.Myself.ID != "", nil
}

func (c *Client) ListGPUTypes(ctx context.Context, apiKey string) ([]ports.GPUType, error) {
	const query = `
		query GpuTypes {
			gpuTypes {
				id
				displayName
				memoryInGb
				secureCloud
				securePrice
			}
		}`

	var data struct {
		GPUTypes []struct {
			ID          string  `json:"id"`
			DisplayName string  `json:"displayName"`
			MemoryInGB  int     `json:"memoryInGb"`
			SecureCloud bool    `json:"secureCloud"`
			SecurePrice float64 `json:"securePrice"`
		} `json:"gpuTypes"`
	}
	if err := c.do(ctx, apiKey, query, nil, &data); err != nil {
		return nil, err
	}

	types := make([]ports.GPUType, 0, len(data.GPUTypes))
	for _, g := range data.GPUTypes {
		types = append(types, ports.GPUType{
			ID:          g.ID,
			DisplayName: g.DisplayName,
			MemoryGB:    g.MemoryInGB,
			SecureCloud: g.SecureCloud,
			SecurePrice: g.SecurePrice,
		})
	}
	return types, nil
}

type podPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
	Runtime       *struct {
		UptimeInSeconds int `json:"uptimeInSeconds"`
	} `json:"runtime"`
}

func (p podPayload) toInfo() ports.PodInfo {
	return ports.PodInfo{
		ID:           p.ID,
		Name:         p.Name,
		Status:       normalizeStatus(p.DesiredStatus),
		HasRuntime:   p.Runtime != nil,
		EngineURL:    EngineURL(p.ID),
		LogServerURL: LogServerURL(p.ID),
	}
}

// normalizeStatus collapses the provider's pod states into the registry's
// tri-state worker status.
func normalizeStatus(desired string) domain.WorkerStatus {
	switch desired {
	case "RUNNING":
		return domain.WorkerStatusRunning
	case "EXITED", "TERMINATED", "DEAD", "FAILED":
		return domain.WorkerStatusFailed
	default: // CREATED, PENDING, RESTARTING and friends are all "on the way"
		return domain.WorkerStatusDeploying
	}
}

func (c *Client) Deploy(ctx context.Context, apiKey string, cfg ports.DeployConfig) (ports.PodInfo, error) {
	const mutation = `
		mutation createPod($input: PodFindAndDeployOnDemandInput!) {
			podFindAndDeployOnDemand(input: $input) {
				id
				name
				desiredStatus
			}
		}`

	variables := map[string]any{
		"input": map[string]any{
			"name":            cfg.Name,
			"templateId":      cfg.TemplateID,
			"gpuTypeId":       cfg.GPUTypeID,
			"gpuCount":        cfg.GPUCount,
			"cloudType":       cfg.CloudType,
			"volumeMountPath": "/workspace",
		},
	}

	var data struct {
		Pod podPayload `json:"podFindAndDeployOnDemand"`
	}
	if err := c.do(ctx, apiKey, mutation, variables, &data); err != nil {
		return ports.PodInfo{}, fmt.Errorf("deploy failed: %w", err)
	}
	if data.Pod.ID == "" {
		return ports.PodInfo{}, fmt.Errorf("deploy returned no pod id")
	}
	return data.Pod.toInfo(), nil
}

func (c *Client) PodStatus(ctx context.Context, apiKey string, id string) (ports.PodInfo, error) {
	const query = `
		query Pod($podId: String!) {
			pod(input: { podId: $podId }) {
				id
				name
				desiredStatus
				runtime {
					uptimeInSeconds
				}
			}
		}`

	var data struct {
		Pod podPayload `json:"pod"`
	}
	if err := c.do(ctx, apiKey, query, map[string]any{"podId": id}, &data); err != nil {
		return ports.PodInfo{}, err
	}
	if data.Pod.ID == "" {
		return ports.PodInfo{}, fmt.Errorf("pod %s not found", id)
	}
	return data.Pod.toInfo(), nil
}

func (c *Client) Terminate(ctx context.Context, apiKey string, id string) error {
	const mutation = `
		mutation terminatePod($podId: String!) {
			podTerminate(input: { podId: $podId })
		}`
	if err := c.do(ctx, apiKey, mutation, map[string]any{"podId": id}, nil); err != nil {
		return fmt.Errorf("terminate failed: %w", err)
	}
	return nil
}

func (c *Client) ListPods(ctx context.Context, apiKey string) ([]ports.PodInfo, error) {
	const query = `
		query {
			myself {
				pods {
					id
					name
					desiredStatus
					runtime {
						uptimeInSeconds
					}
				}
			}
		}`

	var data struct {
		Myself struct {
			Pods []podPayload `json:"pods"`
		} `json:"myself"`
	}
	if err := c.do(ctx, apiKey, query, nil, &data); err != nil {
		return nil, err
	}

	infos := make([]ports.PodInfo, 0, len(data.Myself.Pods))
	for _, p := range data.Myself.Pods {
		infos = append(infos, p.toInfo())
	}
	return infos, nil
}

// EngineURL derives the engine endpoint from a pod id via the provider's
// HTTP proxy scheme.
func EngineURL(podID string) string {
	return fmt.Sprintf("https://%s-8188.proxy.runpod.net", podID)
}

// LogServerURL derives the log-stream endpoint from a pod id.
func LogServerURL(podID string) string {
	return fmt.Sprintf("https://%s-8001.proxy.runpod.net", podID)
}
