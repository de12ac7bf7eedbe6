package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/localrecall/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   cfg.Server.APIToken,
		// No overall timeout; answers stream until the model finishes.
		httpClient: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 2 * time.Minute}},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is localrecall serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "GET", path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, "POST", path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func statusError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// streamEvent is one server-sent event of a /chat answer.
type streamEvent struct {
	Name string // "" for data events, "error" for a mid-stream failure
	Data string
}

// readEvents parses an event stream, calling fn for every event.
func readEvents(r io.Reader, fn func(streamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var ev streamEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data == nil {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if err := fn(ev); err != nil {
				return err
			}
			ev, data = streamEvent{}, nil
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	return sc.Err()
}

// parseImages reverses api.FormatImages.
func parseImages(payload string) ([]string, bool) {
	if !strings.HasPrefix(payload, "list_[") || !strings.HasSuffix(payload, "]") {
		return nil, false
	}
	in := payload[len("list_[") : len(payload)-1]
	paths := []string{}
	for i := 0; i < len(in); {
		q := in[i]
		if q != '\'' && q != '"' {
			return nil, false
		}
		var sb strings.Builder
		j := i + 1
		for ; j < len(in) && in[j] != q; j++ {
			if in[j] == '\\' && j+1 < len(in) {
				j++
			}
			sb.WriteByte(in[j])
		}
		if j >= len(in) {
			return nil, false
		}
		paths = append(paths, sb.String())
		i = j + 1
		if i < len(in) {
			if !strings.HasPrefix(in[i:], ", ") {
				return nil, false
			}
			i += 2
			if i >= len(in) {
				return nil, false
			}
		}
	}
	return paths, true
}
