package analysis

import (
	"fmt"
	"strings"
)

type chartKind int

const (
	chartBar chartKind = iota
	chartLine
)

const (
	svgWidth   = 800
	svgHeight  = 480
	plotLeft   = 80
	plotTop    = 40
	plotRight  = 760
	plotBottom = 400
)

var seriesColors = []string{"#4e79a7", "#f28e2b", "#59a14f", "#e15759", "#76b7b2"}

// renderSVG draws a bar or line chart of the numeric series over the period
// axis. Hand-rolled SVG keeps the output self-contained; viewers and
// browsers render it directly.
func renderSVG(axis string, rows [][]string, series []metricSeries, kind chartKind) string {
	maxVal := 0.0
	for _, s := range series {
		for _, v := range s.Values {
			if v > maxVal {
				maxVal = v
			}
		}
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		svgWidth, svgHeight, svgWidth, svgHeight)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, `<rect width="%d" height="%d" fill="white"/>`+"\n", svgWidth, svgHeight)

	// Axes
	fmt.Fprintf(&sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#333"/>`+"\n",
		plotLeft, plotBottom, plotRight, plotBottom)
	fmt.Fprintf(&sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#333"/>`+"\n",
		plotLeft, plotTop, plotLeft, plotBottom)

	n := len(rows)
	plotW := float64(plotRight - plotLeft)
	plotH := float64(plotBottom - plotTop)
	slot := plotW / float64(n)

	// Period labels
	for i, row := range rows {
		x := float64(plotLeft) + slot*(float64(i)+0.5)
		fmt.Fprintf(&sb, `<text x="%.1f" y="%d" font-size="12" text-anchor="middle" fill="#333">%s</text>`+"\n",
			x, plotBottom+20, escapeText(row[0]))
	}

	scaleY := func(v float64) float64 {
		return float64(plotBottom) - v/maxVal*plotH
	}

	switch kind {
	case chartBar:
		groupW := slot * 0.7
		barW := groupW / float64(len(series))
		for si, s := range series {
			color := seriesColors[si%len(seriesColors)]
			for i, v := range s.Values {
				if i >= n {
					break
				}
				x := float64(plotLeft) + slot*(float64(i)+0.5) - groupW/2 + barW*float64(si)
				y := scaleY(v)
				fmt.Fprintf(&sb, `<rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" fill="%s"/>`+"\n",
					x, y, barW, float64(plotBottom)-y, color)
			}
		}
	case chartLine:
		for si, s := range series {
			color := seriesColors[si%len(seriesColors)]
			var points []string
			for i, v := range s.Values {
				if i >= n {
					break
				}
				x := float64(plotLeft) + slot*(float64(i)+0.5)
				points = append(points, fmt.Sprintf("%.1f,%.1f", x, scaleY(v)))
			}
			fmt.Fprintf(&sb, `<polyline points="%s" fill="none" stroke="%s" stroke-width="2"/>`+"\n",
				strings.Join(points, " "), color)
		}
	}

	// Legend
	for si, s := range series {
		color := seriesColors[si%len(seriesColors)]
		y := plotTop + si*18
		fmt.Fprintf(&sb, `<rect x="%d" y="%d" width="12" height="12" fill="%s"/>`+"\n", plotRight-150, y, color)
		fmt.Fprintf(&sb, `<text x="%d" y="%d" font-size="12" fill="#333">%s</text>`+"\n",
			plotRight-132, y+10, escapeText(s.Name))
	}

	fmt.Fprintf(&sb, `<text x="%d" y="%d" font-size="12" fill="#666">%s</text>`+"\n",
		plotLeft, svgHeight-10, escapeText(axis))

	sb.WriteString("</svg>\n")
	return sb.String()
}

func escapeText(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
