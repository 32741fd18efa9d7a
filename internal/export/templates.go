package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(
	template.New("transcript.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}).ParseFS(templateFS, "templates/transcript.html"),
)

type TemplateData struct {
	Title            string
	ClientName       string
	ProfessionalName string
	CreatedAt        time.Time
	GeneratedAt      time.Time
	Messages         []TemplateMessage
}

type TemplateMessage struct {
	SenderName     string
	Content        string
	CreatedAt      time.Time
	Censored       bool
	Read           bool
	AttachmentURL  string
	AttachmentType string
}

// RenderTranscriptHTML renders the transcript template; message text is always escaped.
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
