package monitor

import (
	"fmt"
	"strings"

	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	MissThreshold float64
}

func NewFormatter(threshold float64) *Formatter {
	return &Formatter{MissThreshold: threshold}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func dirColor(d Dir) string {
	switch d {
	case DirUp:
		return ansiGreen
	case DirDown:
		return ansiRed
	}
	return ansiYellow
}

// Render 一行: 每个计价币种的最新价/均价，然后是最贵/最便宜与价差
func (f *Formatter) Render(quotes []Quote, values []model.Valuation, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}
	sb.WriteString(colorize("[PAIRARB] ", ansiDim))

	for i, q := range quotes {
		if i > 0 {
			sb.WriteString(colorize("  |  ", ansiDim))
		}
		last, avg := "--", "--"
		if q.Last > 0 {
			last = fmt.Sprintf("%g", q.Last)
		}
		if q.HasAvg {
			avg = fmt.Sprintf("%.6g", q.Average)
		}
		sb.WriteString(q.Symbol)
		sb.WriteString(" ")
		sb.WriteString(colorize(last, dirColor(q.Dir)))
		sb.WriteString(colorize(" avg="+avg, ansiDim))
	}

	spread := "spread=--"
	col := ansiYellow
	if len(values) >= 2 {
		s := dsvc.SpreadPercent(values)
		spread = fmt.Sprintf("%s>%s spread=%.3f%%", values[0].Base, values[len(values)-1].Base, s)
		switch dsvc.SpreadColor(s, f.MissThreshold) {
		case +1:
			col = ansiGreen
		case -1:
			col = ansiRed
		}
	}
	sb.WriteString(colorize("  ||  ", ansiDim))
	sb.WriteString(colorize(spread, col))

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
