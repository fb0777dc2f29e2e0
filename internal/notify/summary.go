package notify

import (
	"encoding/json"
	"html"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"example.com/healthsync/internal/events"
)

type summaryDoc struct {
	Steps []struct {
		Count *json.Number `json:"count"`
	} `json:"StepsRecord"`
	Exercise  []json.RawMessage `json:"ExerciseSessionRecord"`
	Nutrition []struct {
		Energy *struct {
			Value *json.Number `json:"value"`
		} `json:"energy"`
	} `json:"NutritionRecord"`
}

// Summarize pulls headline figures out of a Health Connect export. It returns nil when
// the payload is not an object or carries none of the known record types. Nutrition
// energy is reported by the bridge in millicalories.
func Summarize(payload json.RawMessage) *events.SyncSummary {
	var doc summaryDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	if len(doc.Steps) == 0 && len(doc.Exercise) == 0 && len(doc.Nutrition) == 0 {
		return nil
	}

	summary := &events.SyncSummary{Workouts: len(doc.Exercise)}
	if len(doc.Steps) > 0 {
		var total int64
		for _, s := range doc.Steps {
			if s.Count == nil {
				continue
			}
			if n, err := s.Count.Int64(); err == nil {
				total += n
			} else if f, err := s.Count.Float64(); err == nil {
				total += int64(f)
			}
		}
		summary.Steps = &total
	}
	if len(doc.Nutrition) > 0 {
		var kcal float64
		for _, n := range doc.Nutrition {
			if n.Energy == nil || n.Energy.Value == nil {
				continue
			}
			if f, err := n.Energy.Value.Float64(); err == nil {
				kcal += f / 1000
			}
		}
		summary.CaloriesKcal = &kcal
	}
	return summary
}

// FormatMessage renders the chat text for a completed sync. Dynamic values are HTML
// escaped since the message is sent with parse_mode=HTML.
func FormatMessage(event events.SyncCompleted) string {
	printer := message.NewPrinter(language.English)
	title := cases.Title(language.English)
	lines := []string{
		printer.Sprintf("✅ %s Sync", title.String(event.RecordType)),
		printer.Sprintf("📅 %s", html.EscapeString(event.Date)),
		printer.Sprintf("📱 %s (%s) · sync #%d", html.EscapeString(event.DeviceID), html.EscapeString(event.SourceApp), event.RowCountToday),
	}
	if s := event.Summary; s != nil {
		if s.Steps != nil {
			lines = append(lines, printer.Sprintf("🚶 %d steps", *s.Steps))
		}
		if s.Workouts > 0 {
			lines = append(lines, printer.Sprintf("💪 %d workout(s)", s.Workouts))
		}
		if s.CaloriesKcal != nil {
			lines = append(lines, printer.Sprintf("🍽️ %.0f cal", *s.CaloriesKcal))
		}
	}
	return strings.Join(lines, "\n")
}
