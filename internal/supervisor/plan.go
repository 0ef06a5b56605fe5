package supervisor

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/llm"
	"github.com/hochfrequenz/agent-supervisor/internal/prompts"
)

const noDescription = "(no task description provided)"

// Plan is the condensed form of a request.
type Plan struct {
	TaskSpec     string
	DetailedPlan string
	// GeneratedBy is "llm" or "fallback".
	GeneratedBy string
}

// condense asks the model for a task description. Any failure falls back to
// the raw request; it never stops the task from starting.
func (s *Supervisor) condense(ctx context.Context, taskID, message string) Plan {
	fallback := Plan{TaskSpec: message, DetailedPlan: message, GeneratedBy: "fallback"}

	prompt, err := s.opts.Prompts.BuildCondensePrompt(prompts.CondenseData{TaskID: taskID, Request: message})
	if err != nil {
		s.logger.Error("rendering condense prompt", "task_id", taskID, "error", err)
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CondenseTimeout)
	defer cancel()
	reply, err := s.opts.LLM.Complete(ctx, s.opts.Prompts.System(prompts.CondenseTemplate), prompt)
	if err != nil {
		s.logger.Warn("condensing request failed, using it verbatim", "task_id", taskID, "error", err)
		return fallback
	}
	return parsePlan(reply, message)
}

// parsePlan extracts <task_spec> and <detailed_plan>, each standing in for the
// other when missing. Without either section the whole reply is used.
func parsePlan(reply, message string) Plan {
	reply = strings.TrimSpace(reply)
	taskSpec := llm.ExtractSection(reply, "task_spec")
	detailed := llm.ExtractSection(reply, "detailed_plan")

	if taskSpec == "" && detailed == "" {
		text := reply
		if text == "" {
			text = message
		}
		if text == "" {
			text = noDescription
		}
		return Plan{TaskSpec: text, DetailedPlan: text, GeneratedBy: "llm"}
	}
	if taskSpec == "" {
		taskSpec = detailed
	}
	if detailed == "" {
		detailed = taskSpec
	}
	return Plan{TaskSpec: taskSpec, DetailedPlan: detailed, GeneratedBy: "llm"}
}

// buildSpecification combines the condensed task and the original request.
func buildSpecification(taskID, project, message string, plan Plan) *domain.TaskSpecification {
	var sections []string
	if spec := strings.TrimSpace(plan.TaskSpec); spec != "" {
		sections = append(sections, spec)
	}
	if req := strings.TrimSpace(message); req != "" {
		sections = append(sections, "## Original Request", req)
	}
	body := strings.Join(sections, "\n\n")
	if body == "" {
		body = noDescription
	}

	return &domain.TaskSpecification{
		TaskID:       taskID,
		Request:      message,
		ProjectName:  project,
		Instructions: body,
		FilesToWatch: filesToWatch(plan.TaskSpec),
		Metadata: map[string]string{
			"generated_by":  plan.GeneratedBy,
			"task_spec":     plan.TaskSpec,
			"detailed_plan": plan.DetailedPlan,
		},
		CreatedAt: time.Now(),
	}
}

// filesToWatch lists the paths under a "Files to Create" or "Files to Modify"
// heading of a task description.
func filesToWatch(taskSpec string) []string {
	var files []string
	seen := make(map[string]bool)
	inFiles := false

	sc := bufio.NewScanner(strings.NewReader(taskSpec))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			heading := strings.ToLower(strings.TrimLeft(line, "# "))
			inFiles = strings.HasPrefix(heading, "files to")
			continue
		}
		if !inFiles || !strings.HasPrefix(line, "- ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "- "))
		if len(fields) == 0 {
			continue
		}
		path := strings.Trim(fields[0], "`*\"'")
		if path == "" || !strings.ContainsAny(path, "./") || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}
	return files
}
