package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flitsinc/agentruns/internal/eventbus"
)

const DefaultClientTimeout = 10 * time.Second

var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

func apiGet(path string) ([]byte, error) {
	resp, err := apiClient.Get(strings.TrimRight(apiAddr, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return readResponse(resp)
}

func apiPost(path string, data any) ([]byte, error) {
	var body io.Reader = http.NoBody
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonData)
	}
	resp, err := apiClient.Post(strings.TrimRight(apiAddr, "/")+path, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func streamURL(taskID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(apiAddr, "/") + "/api/runs/stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if taskID != "" {
		u.RawQuery = url.Values{"task_id": {taskID}}.Encode()
	}
	return u.String(), nil
}

// dialStream opens the live event stream. The server has subscribed by the
// time it returns.
func dialStream(ctx context.Context, taskID string) (*websocket.Conn, error) {
	u, err := streamURL(taskID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return conn, nil
}

// readStream hands each event to fn until fn returns false, the server closes
// the stream or ctx ends.
func readStream(ctx context.Context, conn *websocket.Conn, fn func(eventbus.Event) bool) error {
	defer conn.CloseNow()
	for {
		var evt eventbus.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !fn(evt) {
			return conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}
