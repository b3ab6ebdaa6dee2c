package notifications

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.tmpl templates/layout.html
var templatesFS embed.FS

// Every type template defines these blocks.
const (
	blockSubject = "subject"
	blockText    = "text"
	blockSMS     = "sms"
)

// maxSMSLength is the length of three concatenated GSM-7 segments.
const maxSMSLength = 459

// Renderer renders notifications from templates.
type Renderer struct {
	templates map[domain.NotificationType]*template.Template
	layout    *htmltemplate.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"formatDate": formatDate,
		"money":      formatMoney,
	}

	r := &Renderer{
		templates: make(map[domain.NotificationType]*template.Template),
	}

	for _, t := range domain.AllNotificationTypes() {
		filename := fmt.Sprintf("templates/%s.tmpl", t)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(string(t)).
			Funcs(funcMap).
			Option("missingkey=error").
			Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", t, err)
		}

		for _, block := range []string{blockSubject, blockText, blockSMS} {
			if tmpl.Lookup(block) == nil {
				return nil, fmt.Errorf("template %s: missing %q block", t, block)
			}
		}

		r.templates[t] = tmpl
	}

	layout, err := htmltemplate.ParseFS(templatesFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse email layout: %w", err)
	}
	r.layout = layout

	return r, nil
}

// Render renders the notification for the channel. Returns
// ErrUnknownNotificationType when no template exists for the type.
func (r *Renderer) Render(ch domain.Channel, t domain.NotificationType, data map[string]any) (Message, error) {
	tmpl, ok := r.templates[t]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownNotificationType, t)
	}
	if data == nil {
		data = map[string]any{}
	}

	switch ch {
	case domain.ChannelEmail:
		return r.renderEmail(tmpl, data)
	case domain.ChannelSMS:
		text, err := execute(tmpl, blockSMS, data)
		if err != nil {
			return Message{}, err
		}
		return Message{Text: truncateRunes(text, maxSMSLength)}, nil
	}
	return Message{}, fmt.Errorf("%w: %s", ErrInvalidChannel, ch)
}

func (r *Renderer) renderEmail(tmpl *template.Template, data map[string]any) (Message, error) {
	subject, err := execute(tmpl, blockSubject, data)
	if err != nil {
		return Message{}, err
	}
	text, err := execute(tmpl, blockText, data)
	if err != nil {
		return Message{}, err
	}

	var buf bytes.Buffer
	err = r.layout.Execute(&buf, struct {
		Subject    string
		Paragraphs []string
	}{
		Subject:    subject,
		Paragraphs: paragraphs(text),
	})
	if err != nil {
		return Message{}, fmt.Errorf("execute email layout: %w", err)
	}

	return Message{Subject: subject, Text: text, HTML: buf.String()}, nil
}

func execute(tmpl *template.Template, block string, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, block, data); err != nil {
		return "", fmt.Errorf("execute template %s/%s: %w", tmpl.Name(), block, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

// formatDate accepts time.Time or an RFC 3339 / YYYY-MM-DD string.
// Unparseable strings are returned unchanged.
func formatDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format("Jan 2, 2006")
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Format("Jan 2, 2006")
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.Format("Jan 2, 2006")
			}
		}
		return t
	}
	return fmt.Sprint(v)
}

var moneyPrinter = message.NewPrinter(language.English)

// formatMoney formats an amount in the given ISO 4217 currency.
func formatMoney(amount any, code string) (string, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("currency %q: %w", code, err)
	}

	var value float64
	switch a := amount.(type) {
	case float64:
		value = a
	case float32:
		value = float64(a)
	case int:
		value = float64(a)
	case int64:
		value = float64(a)
	case json.Number:
		value, err = a.Float64()
	case string:
		value, err = strconv.ParseFloat(a, 64)
	default:
		err = fmt.Errorf("unsupported amount type %T", amount)
	}
	if err != nil {
		return "", fmt.Errorf("amount: %w", err)
	}

	return moneyPrinter.Sprint(currency.Symbol(unit.Amount(value))), nil
}
