package export

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"ofiz/api/internal/chat"
)

type transcriptSource interface {
	Transcript(ctx context.Context, viewer chat.Viewer, conversationID string) (chat.Transcript, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service turns conversations into downloadable transcripts.
type Service struct {
	source     transcriptSource
	renderPDF  renderFunc
	renderDOCX renderFunc
	now        func() time.Time
}

func NewService(source transcriptSource) *Service {
	return &Service{
		source:     source,
		renderPDF:  exportPDF,
		renderDOCX: exportDOCX,
		now:        time.Now,
	}
}

// Export renders the conversation in format. Access errors from the chat layer pass through unchanged.
func (s *Service) Export(ctx context.Context, viewer chat.Viewer, conversationID string, format Format) (*Result, error) {
	transcript, err := s.source.Transcript(ctx, viewer, conversationID)
	if err != nil {
		return nil, err
	}

	html, err := RenderTranscriptHTML(templateData(transcript, s.now()))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := transcript.Title + " " + transcript.CreatedAt.Format("2006-01-02")
	var result *Result
	switch format {
	case FormatPDF:
		result, err = s.renderPDF(ctx, html, title)
	case FormatDOCX:
		result, err = s.renderDOCX(ctx, html, title)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	log.Info("transcript exported", "conversation", conversationID, "user", viewer.ID, "format", format, "bytes", len(result.Data))
	return result, nil
}

func templateData(t chat.Transcript, generatedAt time.Time) TemplateData {
	data := TemplateData{
		Title:            t.Title,
		ClientName:       t.ClientName,
		ProfessionalName: t.ProfessionalName,
		CreatedAt:        t.CreatedAt,
		GeneratedAt:      generatedAt,
		Messages:         make([]TemplateMessage, 0, len(t.Messages)),
	}
	for _, m := range t.Messages {
		msg := TemplateMessage{
			SenderName: m.SenderName,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
			Censored:   m.IsCensored,
			Read:       m.Read,
		}
		if m.AttachmentURL != nil {
			msg.AttachmentURL = *m.AttachmentURL
		}
		if m.AttachmentType != nil {
			msg.AttachmentType = *m.AttachmentType
		}
		data.Messages = append(data.Messages, msg)
	}
	return data
}
