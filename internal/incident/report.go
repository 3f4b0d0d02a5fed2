package incident

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// Report formats.
const (
	FormatText = "txt"
	FormatHTML = "html"
)

var reportHTML = template.Must(template.New("report").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Incident Report</title></head>
<body style="font-family: Arial, sans-serif;">
<h1>Incident Report</h1>
<p><strong>Incident Key:</strong> {{.Key}}</p>
<p><strong>Incident:</strong> {{.Category}}</p>
<p><strong>IP:</strong> {{or .SourceIP "-"}}</p>
<p><strong>Severity:</strong> {{.Severity}}</p>
<p><strong>Risk Score:</strong> {{.Risk}}</p>
<p><strong>Kill Chain:</strong> {{or .KillChainStage "-"}}</p>
<p><strong>Last Seen (UTC):</strong> {{.LastSeen}}</p>
<h3>Summary</h3>
<p>{{or .Description "-"}}</p>
</body>
</html>
`))

type reportData struct {
	Key            string
	Category       string
	SourceIP       string
	Severity       string
	Risk           string
	KillChainStage string
	LastSeen       string
	Description    string
}

// Report renders a downloadable report of the incident at key. It returns
// the body, its content type and a file name.
func (s *Service) Report(ctx context.Context, key, format string) ([]byte, string, string, error) {
	inc, err := s.store.GetIncident(ctx, key)
	if err != nil {
		return nil, "", "", err
	}

	data := reportData{
		Key:            key,
		Category:       inc.Category,
		SourceIP:       inc.SourceIP,
		Severity:       string(inc.Severity),
		Risk:           fmt.Sprintf("%.2f", inc.RiskScore),
		KillChainStage: inc.KillChainStage,
		LastSeen:       "-",
		Description:    inc.Description,
	}
	if !inc.LastSeen.IsZero() {
		data.LastSeen = inc.LastSeen.UTC().Format(time.RFC3339)
	}

	name := "incident-" + sanitizeFileName(key)

	if format == FormatHTML {
		var buf bytes.Buffer
		if err := reportHTML.Execute(&buf, data); err != nil {
			return nil, "", "", fmt.Errorf("render report: %w", err)
		}
		return buf.Bytes(), "text/html; charset=utf-8", name + ".html", nil
	}

	lines := []string{
		"Incident Report",
		"Incident Key: " + key,
		"Incident: " + orDash(data.Category),
		"IP: " + orDash(data.SourceIP),
		"Severity: " + orDash(data.Severity),
		"Risk Score: " + data.Risk,
		"Kill Chain: " + orDash(data.KillChainStage),
		"Last Seen (UTC): " + data.LastSeen,
		"",
		"Summary:",
		orDash(data.Description),
	}
	return []byte(strings.Join(lines, "\n")), "text/plain; charset=utf-8", name + ".txt", nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// sanitizeFileName keeps a key usable in a Content-Disposition header.
func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
