package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/tracker"
)

const barWidth = 24

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

func phaseLabel(p tracker.Phase) string {
	label := fmt.Sprintf("%-10s", p)
	switch p {
	case tracker.PhaseCompleted:
		return okStyle.Render(label)
	case tracker.PhaseFailed:
		return errorStyle.Render(label)
	default:
		return mutedStyle.Render(label)
	}
}

func progressBar(pct float64) string {
	pct = max(0, min(100, pct))
	filled := int(pct / 100 * barWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

func singleLine(s tracker.SingleSnapshot) string {
	line := fmt.Sprintf("%s %s %5.1f%%", phaseLabel(s.Phase), progressBar(s.State.Progress), s.State.Progress)
	if s.State.Filename != "" {
		line += " " + s.State.Filename
	}
	if s.Phase == tracker.PhaseFailed && s.Error != "" {
		line += " " + errorStyle.Render(s.Error)
	}
	return line
}

func batchLine(b tracker.BatchSnapshot) string {
	c := b.State.Counts
	line := fmt.Sprintf("%s %s %5.1f%% %d/%d done",
		phaseLabel(b.Phase), progressBar(b.State.OverallProgress), b.State.OverallProgress, c.Completed, c.Total)
	if c.Failed > 0 {
		line += errorStyle.Render(fmt.Sprintf(", %d failed", c.Failed))
	}
	if b.Phase == tracker.PhaseFailed && b.Error != "" {
		line += " " + errorStyle.Render(b.Error)
	}
	return line
}

func memberLine(m backend.MemberState, source string) string {
	status := string(m.Status)
	switch m.Status {
	case backend.StatusCompleted:
		status = okStyle.Render(status)
	case backend.StatusFailed:
		status = errorStyle.Render(status)
	}
	line := fmt.Sprintf("  %s %s", status, source)
	if m.Reason != "" {
		line += mutedStyle.Render(" (" + m.Reason + ")")
	}
	return line
}

func deliveryLine(d delivery.Delivery) string {
	if d.Status == delivery.StatusFailed {
		return fmt.Sprintf("%s %s %s", errorStyle.Render("not saved"), d.JobID, d.Error)
	}
	return fmt.Sprintf("%s %s %s", okStyle.Render("saved"), d.Path,
		mutedStyle.Render("("+humanize.Bytes(uint64(max(d.Size, 0)))+")"))
}

func infoBlock(sourceURL string, info backend.VideoInfo) string {
	rows := []string{
		titleStyle.Render(info.Title),
		fmt.Sprintf("%s %s", mutedStyle.Render("uploader:"), info.Uploader),
		fmt.Sprintf("%s %s", mutedStyle.Render("duration:"), time.Duration(info.Duration)*time.Second),
		fmt.Sprintf("%s %s", mutedStyle.Render("views:   "), humanize.Comma(info.ViewCount)),
	}
	if info.UploadDate != "" {
		rows = append(rows, fmt.Sprintf("%s %s", mutedStyle.Render("uploaded:"), info.UploadDate))
	}
	rows = append(rows, mutedStyle.Render(sourceURL))
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
