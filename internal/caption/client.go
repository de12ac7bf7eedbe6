// Package caption talks to the local screenshot captioning microservice.
package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultActionType selects the most verbose caption the service produces.
const DefaultActionType = "<MORE_DETAILED_CAPTION>"

// ErrMalformedResponse is returned when the response lacks the requested
// caption field.
var ErrMalformedResponse = errors.New("malformed caption response")

// Client posts screenshots to POST {base}/generate_caption.
type Client struct {
	baseURL    string
	actionType string
	httpClient *http.Client
}

// New creates a Client. An empty actionType uses DefaultActionType.
func New(baseURL, actionType string) *Client {
	if actionType == "" {
		actionType = DefaultActionType
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		actionType: actionType,
		httpClient: &http.Client{Timeout: 40 * time.Second},
	}
}

// IsRunning reports whether the service answers GET / with a non-5xx status.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

type captionResponse struct {
	Caption map[string]string `json:"caption"`
}

// Caption uploads the image at imagePath and returns the caption stored
// under the client's action type.
func (c *Client) Caption(ctx context.Context, imagePath string) (string, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("image %s is not a regular file", imagePath)
	}
	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("buffering image: %w", err)
	}
	if err := mw.WriteField("action_type", c.actionType); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate_caption", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("caption request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("caption: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var cr captionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding caption: %w: %v", ErrMalformedResponse, err)
	}
	text := cr.Caption[c.actionType]
	if text == "" {
		return "", fmt.Errorf("no %s field in response: %w", c.actionType, ErrMalformedResponse)
	}
	return text, nil
}
