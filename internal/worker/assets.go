package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPAssetRenderer asks an external renderer for an asset URL.
type HTTPAssetRenderer struct {
	url    string
	client *http.Client
}

func NewHTTPAssetRenderer(url string, timeout time.Duration) *HTTPAssetRenderer {
	return &HTTPAssetRenderer{url: url, client: &http.Client{Timeout: timeout}}
}

type renderRequest struct {
	RecordID string `json:"recordId"`
	Prompt   string `json:"prompt"`
	Text     string `json:"text"`
}

type renderResponse struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

func (h *HTTPAssetRenderer) Render(ctx context.Context, recordID, prompt, text string) (string, error) {
	body, err := json.Marshal(renderRequest{RecordID: recordID, Prompt: prompt, Text: text})
	if err != nil {
		return "", errors.Wrap(err, "encode render request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build render request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "render asset")
	}
	defer resp.Body.Close()

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrapf(err, "decode render response (%s)", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("renderer: %s %s", resp.Status, out.Error)
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", errors.New("renderer returned no url")
	}
	return out.URL, nil
}
