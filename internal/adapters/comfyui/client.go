package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rennalt/gpustudio/internal/core/ports"
)

// Client talks to the ComfyUI HTTP API on a worker. Base URLs vary per
// worker, so every call takes one; the client itself only holds transport
// settings.
type Client struct {
	http   *http.Client
	upload *http.Client
	probe  *http.Client
}

var _ ports.EngineClient = (*Client)(nil)

// NewClient creates an engine client. uploadTimeout bounds a single media
// upload; other calls use a short transport timeout since retry policy lives
// in the caller.
func NewClient(uploadTimeout time.Duration) *Client {
	if uploadTimeout <= 0 {
		uploadTimeout = 5 * time.Minute
	}
	return &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		upload: &http.Client{Timeout: uploadTimeout},
		probe:  &http.Client{Timeout: 5 * time.Second},
	}
}

// UploadFile posts local media to ComfyUI's input directory and returns the
// server-side filename. ComfyUI's upload endpoint expects the "image" form
// key for all media types, audio included.
func (c *Client) UploadFile(ctx context.Context, baseURL string, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open media file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read media file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/upload/image", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.upload.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(b))
	}

	var result struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("upload response missing filename")
	}
	return result.Name, nil
}

// QueuePrompt submits a workflow and returns the assigned prompt ID.
func (c *Client) QueuePrompt(ctx context.Context, baseURL string, workflow map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to queue workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("prompt submission returned status %d: %s", resp.StatusCode, string(b))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("no prompt_id returned")
	}
	return result.PromptID, nil
}

// historyEntry is the slice of ComfyUI's history record we care about.
type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Gifs   []historyMedia `json:"gifs"`
		Videos []historyMedia `json:"videos"`
		Images []historyMedia `json:"images"`
	} `json:"outputs"`
}

type historyMedia struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
}

// GetHistory polls /history for a prompt. An absent entry means the prompt
// is still queued or executing. A present entry with a media output is
// completed; an explicit error status is failed.
func (c *Client) GetHistory(ctx context.Context, baseURL string, promptID string) (ports.HistoryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/history/%s", strings.TrimRight(baseURL, "/"), url.PathEscape(promptID)), nil)
	if err != nil {
		return ports.HistoryResult{}, fmt.Errorf("failed to create history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ports.HistoryResult{}, fmt.Errorf("history query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ports.HistoryResult{}, fmt.Errorf("history returned status %d", resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return ports.HistoryResult{}, fmt.Errorf("failed to decode history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return ports.HistoryResult{State: ports.HistoryRunning}, nil
	}

	if entry.Status.StatusStr == "error" {
		return ports.HistoryResult{
			State: ports.HistoryFailed,
			Error: "generation failed on worker",
		}, nil
	}

	for _, node := range entry.Outputs {
		media := firstMedia(node.Gifs, node.Videos, node.Images)
		if media == nil {
			continue
		}
		filename := media.Filename
		if media.Subfolder != "" {
			filename = media.Subfolder + "/" + media.Filename
		}
		return ports.HistoryResult{State: ports.HistoryCompleted, OutputFilename: filename}, nil
	}

	// Entry exists but no output yet; treat as still running.
	return ports.HistoryResult{State: ports.HistoryRunning}, nil
}

func firstMedia(groups ...[]historyMedia) *historyMedia {
	for _, g := range groups {
		if len(g) > 0 {
			return &g[0]
		}
	}
	return nil
}

// Interrupt asks ComfyUI to stop the currently executing prompt.
func (c *Client) Interrupt(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/interrupt", nil)
	if err != nil {
		return fmt.Errorf("failed to create interrupt request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt returned status %d", resp.StatusCode)
	}
	return nil
}

// ProbeReady checks the readiness path. The outer worker can report running
// before ComfyUI inside it has finished booting; only a 200 from /history
// means the engine is usable.
func (c *Client) ProbeReady(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/history", nil)
	if err != nil {
		return fmt.Errorf("failed to create readiness request: %w", err)
	}

	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("engine not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine readiness returned status %d", resp.StatusCode)
	}
	return nil
}

// OutputURL builds the view/download URL for an output file.
func (c *Client) OutputURL(baseURL string, filename string) string {
	return fmt.Sprintf("%s/view?filename=%s&type=output",
		strings.TrimRight(baseURL, "/"), url.QueryEscape(filename))
}
