package node

import "log/slog"

// Display is the node's operator-facing status surface. The daemon build
// renders to the log; hardware builds drive an OLED.
type Display interface {
	ShowStatus(line string)
	ShowProgress(label string, percent int)
}

// LogDisplay renders display updates as log lines.
type LogDisplay struct {
	Log *slog.Logger
}

func (d LogDisplay) ShowStatus(line string) {
	d.Log.Info("display", "status", line)
}

func (d LogDisplay) ShowProgress(label string, percent int) {
	d.Log.Info("display", "status", label, "percent", percent)
}

type nopDisplay struct{}

func (nopDisplay) ShowStatus(string)        {}
func (nopDisplay) ShowProgress(string, int) {}
