// Package report renders analysis, scenario and compensation results for
// people (styled console output) and for machines (JSON, YAML, PNG charts).
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/signalsfoundry/voltcomp/model"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C7A84")
)

var styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Label   lipgloss.Style
	OK      lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Header:  lipgloss.NewStyle().Bold(true),
	Label:   lipgloss.NewStyle().Foreground(colorAccent),
	OK:      lipgloss.NewStyle().Foreground(colorOK),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1),
}

// Console writes human-readable reports.
type Console struct {
	w         io.Writer
	threshold float64
}

// NewConsole returns a console writer judging voltages against threshold.
func NewConsole(w io.Writer, threshold float64) *Console {
	return &Console{w: w, threshold: threshold}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.w, format, args...)
}

func (c *Console) title(text string) {
	c.printf("\n%s\n", styles.Title.Render(text))
}

func (c *Console) voltage(v float64) string {
	s := fmt.Sprintf("%.4f p.u.", v)
	if v < c.threshold {
		return styles.Warning.Render(s)
	}
	return styles.OK.Render(s)
}

// Analysis prints the initial network conditions.
func (c *Console) Analysis(caseName string, a model.Analysis) {
	c.title("Network analysis: " + caseName)
	c.printf("  %s %d\n", styles.Label.Render("Buses:"), a.BusCount)
	c.printf("  %s %d\n", styles.Label.Render("Load buses:"), len(a.LoadBuses))
	c.printf("  %s Bus %d at %s\n", styles.Label.Render("Weakest bus:"), a.WeakestBus, c.voltage(a.WeakestVoltage))
	c.printf("  %s %d below %.2f p.u.\n", styles.Label.Render("Violations:"), a.Violations, c.threshold)
}

// Buses prints the per-bus load table.
func (c *Console) Buses(rows []model.BusLoadSummary) {
	c.title("Bus loads")
	c.printf("  %s\n", styles.Header.Render(fmt.Sprintf("%-6s %10s %10s %14s", "Bus", "P (MW)", "Q (MVAr)", "Voltage")))
	for _, r := range rows {
		if !r.HasLoad {
			c.printf("  %-6d %s %s\n", r.Bus, styles.Muted.Render(fmt.Sprintf("%21s", "No load")), c.voltage(r.VoltagePU))
			continue
		}
		c.printf("  %-6d %10.2f %10.2f %s\n", r.Bus, r.PMW, r.QMvar, c.voltage(r.VoltagePU))
	}
}

// Scenario prints the load scenario and its diagnostics.
func (c *Console) Scenario(res model.ScenarioResult) {
	c.title("Load scenario: " + string(res.Mode))
	if res.Failed() {
		c.printf("  %s %s\n", styles.Error.Render("Scenario failed:"), res.Err)
		return
	}
	switch {
	case res.Mode == model.ScenarioGlobalIncrease:
		c.printf("  All loads scaled by %.2f\n", res.GlobalFactor)
	case res.CreatedLoad:
		c.printf("  Created load at bus %d: %.2f MW, %.2f MVAr\n", res.ModifiedBus, res.AddPMW, res.AddQMvar)
	default:
		c.printf("  Bus %d: load x%.2f + (%.2f MW, %.2f MVAr)\n", res.ModifiedBus, res.Multiplier, res.AddPMW, res.AddQMvar)
	}
	for _, ch := range res.Changes {
		c.printf("    load %d at bus %d: %.2f/%.2f -> %.2f/%.2f\n", ch.LoadID, ch.Bus, ch.BeforeP, ch.BeforeQ, ch.AfterP, ch.AfterQ)
	}
	if res.BackoffScale > 0 && res.BackoffScale < 1 {
		c.printf("  %s change scaled to %.0f%% after %d attempts\n", styles.Warning.Render("Backoff:"), res.BackoffScale*100, res.Attempts)
	}
	if res.Err != "" {
		c.printf("  %s %s\n", styles.Warning.Render("Note:"), res.Err)
	}
	c.printf("  Weakest bus %d at %s, %d violations\n", res.WeakestBus, c.voltage(res.WeakestVoltage), res.Violations)
}

// Strategy prints the per-bus outcome of a compensation strategy.
func (c *Console) Strategy(res model.StrategyResult) {
	c.title("Compensation: " + string(res.Strategy))
	if res.Message != "" {
		c.printf("  %s\n", res.Message)
	}
	for _, r := range res.Results {
		c.printf("  Bus %d: %s -> %s (%+.4f) with %.1f MVAr  %s\n",
			r.Bus, c.voltage(r.InitialVoltage), c.voltage(r.FinalVoltage), r.Improvement, r.QInjectedMvar, statusStyle(r.Status).Render(string(r.Status)))
	}
	if len(res.Results) > 0 {
		c.printf("  %s %.1f MVAr\n", styles.Label.Render("Total injected:"), res.TotalQMvar)
	}
}

func statusStyle(s model.CompensationStatus) lipgloss.Style {
	switch s {
	case model.StatusSuccess, model.StatusNoCompensationNeeded:
		return styles.OK
	case model.StatusLimitedImprovement:
		return styles.Warning
	default:
		return styles.Error
	}
}

// Final prints the closing verdict in a box.
func (c *Console) Final(rep model.Report) {
	var b strings.Builder
	b.WriteString(styles.Header.Render("Final system state") + "\n")
	if !rep.Solved {
		b.WriteString(styles.Error.Render("Final power flow did not converge") + "\n")
	} else {
		fmt.Fprintf(&b, "Minimum voltage: %s\n", c.voltage(rep.MinVoltage))
		fmt.Fprintf(&b, "Violations: %d\n", rep.FinalViolations)
	}
	status := styles.Warning.Render(string(rep.Status))
	if rep.Status == model.SystemHealthy {
		status = styles.OK.Render(string(rep.Status))
	}
	fmt.Fprintf(&b, "Status: %s", status)
	c.printf("\n%s\n", styles.Box.Render(b.String()))
}
