package answerer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hochfrequenz/agent-supervisor/internal/llm"
)

type fakeLLM struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]string
	err     error
}

func (f *fakeLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	if f.err != nil {
		return "", f.err
	}
	for q, r := range f.replies {
		if strings.Contains(prompt, q) {
			return r, nil
		}
	}
	return "", nil
}

func (f *fakeLLM) StreamChat(context.Context, []llm.Message, func(string)) (string, error) {
	return "", llm.ErrUnavailable
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestDetectQuestion(t *testing.T) {
	accept := []string{
		"Should I use a class?",
		"Which option should I pick: 1 or 2?",
		"Confirm deployment? [y/N]",
		"Approve changes (y/n)",
		"Would you like to continue?",
		"verify output please",
		"approve update",
		"choose between plan A and plan B",
		"should i refactor?",
		"Confirm?",
		"\x1b[1mProceed with install?\x1b[0m",
	}
	for _, line := range accept {
		if !DetectQuestion(line) {
			t.Errorf("DetectQuestion(%q) = false, want true", line)
		}
	}
	reject := []string{"No question here.", "", "   ", "Running verify step", "compiled 3 files"}
	for _, line := range reject {
		if DetectQuestion(line) {
			t.Errorf("DetectQuestion(%q) = true, want false", line)
		}
	}
}

func TestHandle_AnswersRepeatedQuestionFromCache(t *testing.T) {
	model := &fakeLLM{replies: map[string]string{"Should I use a function?": "Use a function."}}
	a := New(Options{Client: model})
	var out sink

	first := a.Handle(context.Background(), "task123", "Should I use a function?\n", &out)
	second := a.Handle(context.Background(), "task123", "some work\nShould I use a function?\n", &out)

	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1", model.callCount())
	}
	if len(first) != 1 || first[0].Cached || !first[0].Sent {
		t.Errorf("first = %+v, want one fresh sent answer", first)
	}
	if len(second) != 1 || !second[0].Cached || !second[0].Sent {
		t.Errorf("second = %+v, want one cached sent answer", second)
	}
	if got := strings.Count(out.String(), "Use a function."); got != 2 {
		t.Errorf("answer written %d times, want 2 (%q)", got, out.String())
	}
}

func TestHandle_CacheIsPerSession(t *testing.T) {
	model := &fakeLLM{replies: map[string]string{"Continue?": "y"}}
	a := New(Options{Client: model})
	var out sink

	a.Handle(context.Background(), "a", "Continue?\n", &out)
	a.Handle(context.Background(), "b", "Continue?\n", &out)
	if model.callCount() != 2 {
		t.Errorf("model called %d times, want once per session", model.callCount())
	}

	a.Forget("a")
	a.Handle(context.Background(), "a", "Continue?\n", &out)
	if model.callCount() != 3 {
		t.Errorf("model called %d times after Forget, want 3", model.callCount())
	}
}

func TestHandle_ErrorsAndEmptyAnswersAreNotSent(t *testing.T) {
	for name, model := range map[string]*fakeLLM{
		"error": {err: errors.New("rate limited")},
		"empty": {replies: map[string]string{"Approve?": "   "}},
	} {
		t.Run(name, func(t *testing.T) {
			a := New(Options{Client: model})
			var out sink
			got := a.Handle(context.Background(), "t", "Approve?\nApprove?\n", &out)
			if out.String() != "" {
				t.Errorf("wrote %q, want nothing", out.String())
			}
			if len(got) != 2 || got[0].Sent || got[1].Sent {
				t.Errorf("answers = %+v", got)
			}
			if model.callCount() != 1 {
				t.Errorf("model called %d times, want 1", model.callCount())
			}
		})
	}
}

func TestHandle_PartialPromptLine(t *testing.T) {
	model := &fakeLLM{replies: map[string]string{"Overwrite config? [y/N]": "y"}}
	a := New(Options{Client: model})
	var out sink

	got := a.Handle(context.Background(), "t", "writing files\nOverwrite config? [y/N] ", &out)
	if len(got) != 1 || !got[0].Sent {
		t.Fatalf("partial prompt not answered: %+v", got)
	}
	// the echo of the answer completes the prompt line; it must not be answered again
	got = a.Handle(context.Background(), "t", "y\ndone\n", &out)
	if len(got) != 0 {
		t.Errorf("remainder of answered line handled again: %+v", got)
	}
	if out.String() != "y\r" && out.String() != "y\r\n" {
		t.Errorf("written = %q", out.String())
	}
}

func TestHandle_IncompleteLineWithoutPromptIsCarried(t *testing.T) {
	model := &fakeLLM{replies: map[string]string{"Should I add tests?": "yes"}}
	a := New(Options{Client: model})
	var out sink

	if got := a.Handle(context.Background(), "t", "Should I add", &out); len(got) != 0 {
		t.Fatalf("fragment answered: %+v", got)
	}
	got := a.Handle(context.Background(), "t", " tests?\n", &out)
	if len(got) != 1 || got[0].Question != "Should I add tests?" {
		t.Errorf("answers = %+v, want the joined question", got)
	}
}

func TestHandle_ConcurrentDuplicatesCallModelOnce(t *testing.T) {
	model := &fakeLLM{replies: map[string]string{"Proceed?": "y"}}
	a := New(Options{Client: model})
	var out sink

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Handle(context.Background(), "t", "Proceed?\n", &out)
		}()
	}
	wg.Wait()
	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1", model.callCount())
	}
}

func TestFirstLine(t *testing.T) {
	tests := map[string]string{
		"  y \n because": "y",
		"`npm test`":     "npm test",
		"\"yes\"":        "yes",
		"":               "",
	}
	for in, want := range tests {
		if got := firstLine(in); got != want {
			t.Errorf("firstLine(%q) = %q, want %q", in, got, want)
		}
	}
}
