// Package report renders the per-analysis HTML report written during the
// REPORTING stage.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/AnTengye/contractguard/model"
)

// Data is everything a report shows
type Data struct {
	Analysis    model.Analysis
	Findings    []model.Finding
	Coverage    model.Coverage
	Usage       *model.TokenUsage
	PackID      string
	PackVersion string
	GeneratedAt time.Time
}

// Renderer turns report data into HTML
type Renderer struct {
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"percent": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	"conf":    func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"ts":      func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}

// New parses the built-in template
func New() (*Renderer, error) {
	tmpl, err := template.New("report").Funcs(funcs).Parse(reportTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

type view struct {
	Data
	Counts []verdictCount
}

type verdictCount struct {
	Verdict model.Verdict
	Count   int
}

// Render executes the template for d
func (r *Renderer) Render(d Data) ([]byte, error) {
	counts := make(map[model.Verdict]int)
	for _, f := range d.Findings {
		counts[f.Verdict]++
	}
	v := view{Data: d}
	v.Findings = append([]model.Finding(nil), d.Findings...)
	for _, verdict := range []model.Verdict{model.VerdictPass, model.VerdictWeak, model.VerdictMissing, model.VerdictNeedsReview} {
		v.Counts = append(v.Counts, verdictCount{Verdict: verdict, Count: counts[verdict]})
	}
	sort.SliceStable(v.Findings, func(i, j int) bool {
		if v.Findings[i].DetectorID != v.Findings[j].DetectorID {
			return v.Findings[i].DetectorID < v.Findings[j].DetectorID
		}
		return v.Findings[i].Start < v.Findings[j].Start
	})

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Compliance report: {{.Analysis.Filename}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
.pass { color: #1a7f37; } .weak { color: #9a6700; } .missing { color: #cf222e; } .needs_review { color: #8250df; }
blockquote { margin: 0; font-size: 0.9em; color: #555; }
</style>
</head>
<body>
<h1>GDPR Art. 28(3) review</h1>
<p>
Document: <strong>{{.Analysis.Filename}}</strong><br>
Analysis: <code>{{.Analysis.ID}}</code><br>
{{if .PackID}}Rulepack: {{.PackID}} {{.PackVersion}}<br>{{end}}
Generated: {{ts .GeneratedAt}}
</p>

<h2>Coverage</h2>
<p>{{.Coverage.Present}} of {{.Coverage.Total}} obligations realized ({{percent .Coverage.Percentage}}), status <strong>{{.Coverage.Status}}</strong>.</p>
{{if .Coverage.MissingDetectors}}<p>Missing: {{range $i, $d := .Coverage.MissingDetectors}}{{if $i}}, {{end}}<code>{{$d}}</code>{{end}}</p>{{end}}

<h2>Verdicts</h2>
<ul>
{{range .Counts}}<li class="{{.Verdict}}">{{.Verdict}}: {{.Count}}</li>
{{end}}</ul>

<h2>Findings</h2>
<table>
<tr><th>Detector</th><th>Verdict</th><th>Confidence</th><th>Page</th><th>Evidence</th><th>Rationale</th></tr>
{{range .Findings}}<tr>
<td><code>{{.DetectorID}}</code>{{if .RuleID}}<br>{{.RuleID}}{{end}}</td>
<td class="{{.Verdict}}">{{.Verdict}}{{if .WeakLanguageDetected}} (weak language){{end}}</td>
<td>{{conf .Confidence}}</td>
<td>{{.Page}}</td>
<td>{{if .Snippet}}<blockquote>{{.Snippet}}</blockquote>{{else}}-{{end}}</td>
<td>{{.Rationale}}</td>
</tr>
{{end}}</table>
{{with .Usage}}
<h2>LLM usage</h2>
<p>{{.TotalTokens}} tokens over {{.Calls}} calls{{if .CapExceeded}}; cap exceeded: {{.CapReason}}{{end}}.</p>
{{end}}
</body>
</html>
`
