package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"text/template"
	"time"
)

// DefaultTemplate renders the plain-text email body for a fired alert.
const DefaultTemplate = `Alert: {{.AlertName}}
Site: {{.SiteID}}
Time: {{.FiredAt}}
Type: {{.Kind}}

Details:
{{.Details}}

---
Wattboard Energy Monitoring`

type templateData struct {
	AlertName string
	SiteID    int64
	FiredAt   string
	Kind      string
	Details   string
}

// Template renders notification bodies.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a body template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to a message.
func (t *Template) Render(msg Message) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	kind := ""
	if v, ok := msg.Payload["type"].(string); ok {
		kind = v
	}
	details, err := json.MarshalIndent(msg.Payload, "", "  ")
	if err != nil {
		return "", err
	}
	data := templateData{
		AlertName: msg.AlertName,
		SiteID:    msg.SiteID,
		FiredAt:   msg.FiredAt.UTC().Format(time.RFC3339),
		Kind:      kind,
		Details:   string(details),
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
