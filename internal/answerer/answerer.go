// Package answerer replies to interactive questions an agent asks mid-run so
// nobody has to watch the terminal.
package answerer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/agent-supervisor/internal/llm"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/prompts"
)

const contextLines = 20

// Answer is one handled question.
type Answer struct {
	Question string
	Text     string
	Cached   bool
	Sent     bool
}

type cached struct {
	text string
	ok   bool
}

type session struct {
	mu          sync.Mutex
	answers     map[string]cached
	recent      []string
	carry       string
	skipPartial bool
}

// Answerer detects questions in agent output and writes model-generated
// replies back to the agent. Each distinct question reaches the model once per
// session; repeats are answered from the cache. Failed or empty answers are
// cached too and never sent.
type Answerer struct {
	client  llm.Client
	prompts *prompts.Loader
	logger  *slog.Logger
	timeout time.Duration
	enter   string

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*session
}

// Options configures an Answerer.
type Options struct {
	Client  llm.Client
	Prompts *prompts.Loader
	Logger  *slog.Logger
	Timeout time.Duration // per model call
}

// New creates an Answerer.
func New(opts Options) *Answerer {
	if opts.Client == nil {
		opts.Client = llm.Disabled{}
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.NewLoader()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	enter := "\r"
	if runtime.GOOS == "windows" {
		enter = "\r\n"
	}
	return &Answerer{
		client:   opts.Client,
		prompts:  opts.Prompts,
		logger:   logging.OrDiscard(opts.Logger),
		timeout:  opts.Timeout,
		enter:    enter,
		sessions: make(map[string]*session),
	}
}

func (a *Answerer) session(taskID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[taskID]
	if !ok {
		s = &session{answers: make(map[string]cached)}
		a.sessions[taskID] = s
	}
	return s
}

// Forget drops everything remembered for taskID.
func (a *Answerer) Forget(taskID string) {
	a.mu.Lock()
	delete(a.sessions, taskID)
	a.mu.Unlock()
}

// Handle scans newly captured output of taskID and answers every question in
// it by writing to w. A trailing line without newline is treated as a prompt
// when it looks like one; the rest of that line is ignored once it arrives.
func (a *Answerer) Handle(ctx context.Context, taskID, text string, w io.Writer) []Answer {
	s := a.session(taskID)

	s.mu.Lock()
	buf := s.carry + text
	lines := strings.Split(buf, "\n")
	s.carry = lines[len(lines)-1]
	complete := lines[:len(lines)-1]
	if s.skipPartial && len(complete) > 0 {
		complete = complete[1:]
		s.skipPartial = false
	}
	var questions []string
	for _, line := range complete {
		line = strings.TrimRight(StripANSI(line), "\r")
		s.remember(line)
		if DetectQuestion(line) {
			questions = append(questions, strings.TrimSpace(line))
		}
	}
	if !s.skipPartial && DetectQuestion(s.carry) && looksLikePrompt(s.carry) {
		partial := strings.TrimSpace(StripANSI(s.carry))
		s.remember(partial)
		questions = append(questions, partial)
		s.carry = ""
		s.skipPartial = true
	} else if s.skipPartial {
		s.carry = ""
	}
	recent := strings.Join(s.recent, "\n")
	s.mu.Unlock()

	var out []Answer
	for _, q := range questions {
		out = append(out, a.answer(ctx, taskID, s, q, recent, w))
	}
	return out
}

func looksLikePrompt(partial string) bool {
	p := strings.TrimSpace(StripANSI(partial))
	if p == "" {
		return false
	}
	switch p[len(p)-1] {
	case '?', ':', ']', ')', '>':
		return true
	}
	return false
}

func (s *session) remember(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.recent = append(s.recent, line)
	if len(s.recent) > contextLines {
		s.recent = s.recent[len(s.recent)-contextLines:]
	}
}

func (a *Answerer) answer(ctx context.Context, taskID string, s *session, question, recent string, w io.Writer) Answer {
	key := Normalize(question)
	res := Answer{Question: question}

	s.mu.Lock()
	c, hit := s.answers[key]
	s.mu.Unlock()

	if hit {
		res.Cached = true
	} else {
		v, _, _ := a.group.Do(taskID+"\x00"+key, func() (any, error) {
			s.mu.Lock()
			if c, ok := s.answers[key]; ok {
				s.mu.Unlock()
				return c, nil
			}
			s.mu.Unlock()

			c := a.generate(ctx, taskID, question, recent)
			s.mu.Lock()
			s.answers[key] = c
			s.mu.Unlock()
			return c, nil
		})
		c = v.(cached)
	}

	res.Text = c.text
	if !c.ok {
		return res
	}
	if _, err := io.WriteString(w, c.text+a.enter); err != nil {
		a.logger.Warn("sending answer", "task_id", taskID, "error", err)
		return res
	}
	res.Sent = true
	a.logger.Info("answered agent question", "task_id", taskID, "question", question, "answer", c.text, "cached", res.Cached)
	return res
}

func (a *Answerer) generate(ctx context.Context, taskID, question, recent string) cached {
	prompt, err := a.prompts.BuildAnswerPrompt(prompts.AnswerData{
		TaskID:   taskID,
		Question: question,
		Context:  recent,
	})
	if err != nil {
		a.logger.Error("rendering answer prompt", "task_id", taskID, "error", err)
		return cached{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	reply, err := a.client.Complete(ctx, a.prompts.System(prompts.AnswerTemplate), prompt)
	if err != nil {
		a.logger.Warn("model could not answer", "task_id", taskID, "question", question, "error", err)
		return cached{}
	}
	reply = firstLine(reply)
	if reply == "" {
		a.logger.Info("model returned no answer", "task_id", taskID, "question", question)
		return cached{}
	}
	return cached{text: reply, ok: true}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.Trim(s, "`\""))
}

// String describes an answer for logs.
func (a Answer) String() string {
	return fmt.Sprintf("%q -> %q (cached=%v sent=%v)", a.Question, a.Text, a.Cached, a.Sent)
}
