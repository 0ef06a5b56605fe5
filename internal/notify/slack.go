package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const slackTimeout = 10 * time.Second

// SlackNotifier posts session results to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the incoming-webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the colored detail block of a message
type SlackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback,omitempty"`
	Text     string       `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	Footer   string       `json:"footer,omitempty"`
	TS       int64        `json:"ts,omitempty"`
}

// SlackField is a short key/value pair rendered side by side
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier returns a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: slackTimeout},
	}
}

// SlackColor maps a severity to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func slackMessage(n Notification, now time.Time) SlackMessage {
	att := SlackAttachment{
		Color:    SlackColor(n.Type),
		Fallback: n.Title,
		Text:     n.Message,
		Footer:   "agent-supervisor",
		TS:       now.Unix(),
	}
	if n.Project != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Project", Value: n.Project, Short: true})
	}
	if n.TaskID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Task", Value: "`" + n.TaskID + "`", Short: true})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(slackMessage(n, time.Now()))
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
