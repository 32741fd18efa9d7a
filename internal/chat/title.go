package chat

import "strings"

// DirectTitle labels conversations without a booking-derived title.
const DirectTitle = "Conversación directa"

const maxNotesTitleRunes = 50

// Title derives a conversation title: the booked service's title, else the first
// line of the booking notes cut to 50 runes, else DirectTitle.
func Title(serviceTitle, bookingNotes *string) string {
	if serviceTitle != nil {
		if title := strings.TrimSpace(*serviceTitle); title != "" {
			return title
		}
	}
	if bookingNotes != nil {
		firstLine, _, _ := strings.Cut(strings.TrimSpace(*bookingNotes), "\n")
		firstLine = strings.TrimSpace(strings.TrimSuffix(firstLine, "\r"))
		if firstLine != "" {
			runes := []rune(firstLine)
			if len(runes) > maxNotesTitleRunes {
				runes = runes[:maxNotesTitleRunes]
			}
			return string(runes)
		}
	}
	return DirectTitle
}
