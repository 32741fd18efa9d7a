package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ofiz/api/internal/chat"
	"ofiz/api/internal/rbac"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Conversación directa 2026-03-01", "Conversacion-directa-2026-03-01"},
		{"Reparación: baño!", "Reparacion-bano"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "conversacion"},
		{strings.Repeat("a", 70), strings.Repeat("a", 60)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"ñ", "%C3%B1"},
		{"Conversación", "Conversaci%C3%B3n"},
		{"¿sí?", "%C2%BFs%C3%AD%3F"},
		{"€", "%E2%82%AC"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderTranscriptHTML(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	data := TemplateData{
		Title:            "Fontanería urgente",
		ClientName:       "Ana",
		ProfessionalName: "Bruno",
		CreatedAt:        at,
		GeneratedAt:      at.Add(time.Hour),
		Messages: []TemplateMessage{
			{SenderName: "Ana", Content: "<script>alert(1)</script>", CreatedAt: at},
			{SenderName: "Bruno", Content: "[mensaje moderado]", CreatedAt: at.Add(time.Minute), Censored: true},
			{SenderName: "Ana", CreatedAt: at.Add(2 * time.Minute), AttachmentURL: "https://files.example/x.png", AttachmentType: "image"},
		},
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		t.Fatalf("RenderTranscriptHTML() error = %v", err)
	}
	for _, want := range []string{"Fontanería urgente", "Cliente: Ana", "Profesional: Bruno", "01/03/2026 10:30", "moderado", "imagen"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Error("message content must be escaped")
	}
}

func TestRenderTranscriptHTMLWithoutMessages(t *testing.T) {
	html, err := RenderTranscriptHTML(TemplateData{Title: "Vacía"})
	if err != nil {
		t.Fatalf("RenderTranscriptHTML() error = %v", err)
	}
	if !strings.Contains(html, "no tiene mensajes") {
		t.Error("expected the empty-conversation note")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatPDF {
		t.Fatalf("empty format should default to pdf, got %q %v", f, err)
	}
	if f, err := ParseFormat("docx"); err != nil || f != FormatDOCX {
		t.Fatalf("unexpected docx parse %q %v", f, err)
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

type fakeTranscripts struct {
	transcript chat.Transcript
	err        error
}

func (f fakeTranscripts) Transcript(context.Context, chat.Viewer, string) (chat.Transcript, error) {
	return f.transcript, f.err
}

func TestExportDispatchesByFormat(t *testing.T) {
	url := "https://files.example/presupuesto.pdf"
	source := fakeTranscripts{transcript: chat.Transcript{
		ConversationID: "c1",
		Title:          chat.DirectTitle,
		CreatedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Messages: []chat.Message{
			{SenderName: "Ana", Content: "hola", AttachmentURL: &url},
		},
	}}
	var gotHTML, gotTitle string
	svc := NewService(source)
	svc.renderPDF = func(_ context.Context, html, title string) (*Result, error) {
		gotHTML, gotTitle = html, title
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}
	svc.renderDOCX = func(context.Context, string, string) (*Result, error) {
		return nil, ErrDOCXDependencyMissing
	}
	viewer := chat.Viewer{ID: "u1", Role: rbac.RoleClient}

	result, err := svc.Export(context.Background(), viewer, "c1", FormatPDF)
	if err != nil {
		t.Fatalf("pdf export: %v", err)
	}
	if result.Filename != "Conversacion-directa-2026-03-01.pdf" {
		t.Fatalf("unexpected filename %q", result.Filename)
	}
	if !strings.Contains(gotHTML, "presupuesto.pdf") || gotTitle == "" {
		t.Fatal("renderer did not receive the transcript HTML")
	}

	if _, err := svc.Export(context.Background(), viewer, "c1", FormatDOCX); !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("expected missing dependency, got %v", err)
	}
	if _, err := svc.Export(context.Background(), viewer, "c1", Format("odt")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestExportPassesAccessErrorsThrough(t *testing.T) {
	svc := NewService(fakeTranscripts{err: chat.ErrForbidden})
	_, err := svc.Export(context.Background(), chat.Viewer{ID: "u1"}, "c1", FormatPDF)
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
