package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier pops up a system notification through notify-send on
// Linux and osascript on macOS. Other platforms are silently skipped.
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(name string, args ...string) error
}

// NewDesktopNotifier returns a desktop notifier; disabled ones do nothing
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS, run: runCommand}
}

func runCommand(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Send shows n on the desktop
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := desktopCommand(d.goos, n)
	if name == "" {
		return nil
	}
	return d.run(name, args...)
}

// desktopCommand returns the command line that displays n on goos
func desktopCommand(goos string, n Notification) (string, []string) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s" subtitle "%s"`,
			appleScriptQuote(n.Message), appleScriptQuote(n.Title), appleScriptQuote(n.Project))
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{
			"--app-name=agent-supervisor",
			"--icon=" + IconForType(n.Type),
			"--urgency=" + urgency(n.Type),
			n.Title, n.Message,
		}
	}
	return "", nil
}

// IconForType returns the freedesktop icon name for a severity
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

func urgency(t NotificationType) string {
	if t == NotifyError {
		return "critical"
	}
	return "normal"
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
