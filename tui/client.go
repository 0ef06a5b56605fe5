package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/web/api"
)

// Client reads sessions and events from a running supervisor's HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL, e.g. http://127.0.0.1:8080
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Sessions fetches the session list
func (c *Client) Sessions(ctx context.Context) ([]*SessionView, error) {
	var resp []api.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions", &resp); err != nil {
		return nil, err
	}
	out := make([]*SessionView, 0, len(resp))
	for _, r := range resp {
		if r.SessionRecord == nil {
			continue
		}
		out = append(out, &SessionView{
			TaskID:    r.TaskID,
			Project:   r.ProjectName,
			State:     r.State,
			Reason:    r.CompletionReason,
			PID:       r.PID,
			Changes:   r.ChangesObserved,
			StartedAt: r.StartedAt,
			Duration:  time.Duration(r.DurationSeconds * float64(time.Second)),
		})
	}
	return out, nil
}

// Abort asks the supervisor to abort a running session
func (c *Client) Abort(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(taskID)+"/abort?by=tui", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stream delivers server-sent events to out until ctx is cancelled or the
// stream ends. out is closed on return.
func (c *Client) Stream(ctx context.Context, out chan<- FeedEvent) error {
	defer close(out)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev api.SSEEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		payload, _ := ev.Data.(map[string]any)
		select {
		case out <- toFeedEvent(ev.Type, payload):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func toFeedEvent(typ string, payload map[string]any) FeedEvent {
	e := FeedEvent{Type: typ, Time: time.Now()}
	if id, ok := payload["task_id"].(string); ok {
		e.TaskID = id
	}
	get := func(key string) string {
		if v, ok := payload[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch typ {
	case "started":
		e.Summary = fmt.Sprintf("%s (pid %s)", get("project_name"), get("process_id"))
	case "progress":
		e.Summary = fmt.Sprintf("%s changes, %s total", get("changes_detected"), get("total_changes"))
	case "completed":
		e.Summary = get("completion_reason")
	case "failed":
		e.Summary = get("failure_reason")
		if msg := get("error_message"); msg != "" {
			e.Summary = msg
		}
	case "aborted":
		e.Summary = "by " + get("aborted_by")
	case "timeout":
		e.Summary = "session exceeded its time limit"
	case "output_received":
		e.Summary = strings.Join(strings.Fields(get("text")), " ")
	}
	return e
}
