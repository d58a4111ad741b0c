package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/tazhate/classbell/internal/domain"
)

var reminderHTML = template.Must(template.New("reminder").Parse(`<html>
<body>
    <h2>Class Reminder</h2>
    <p><strong>Class:</strong> {{.Title}}</p>
    <p><strong>Room:</strong> {{.Room}}</p>
    <p><strong>Time:</strong> {{.Start}}</p>
    <p>This class will start in {{.LeadMinutes}} minutes.</p>
</body>
</html>
`))

type reminderView struct {
	Title       string
	Room        string
	Start       string
	LeadMinutes int
}

// Render builds the reminder for class, with start time shown in loc.
func Render(c *domain.ClassOccurrence, leadMinutes int, loc *time.Location) (Message, error) {
	v := reminderView{
		Title:       c.Title,
		Room:        c.Room,
		Start:       c.FormatStart(loc),
		LeadMinutes: leadMinutes,
	}

	var buf bytes.Buffer
	if err := reminderHTML.Execute(&buf, v); err != nil {
		return Message{}, fmt.Errorf("render reminder: %w", err)
	}

	return Message{
		Subject: "Class Reminder: " + c.Title,
		HTML:    buf.String(),
		Text: fmt.Sprintf("🔔 Class Reminder\n\n%s\nRoom: %s\nTime: %s\nStarts in %d minutes.",
			v.Title, v.Room, v.Start, v.LeadMinutes),
	}, nil
}
