package dispatch

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/pkg/event"
)

// Template is a channel-agnostic message skeleton. {{key}} placeholders are
// substituted from the event's data; unresolved placeholders stay as literal
// text rather than erroring.
type Template struct {
	Subject string
	Body    string
}

const defaultTemplateName = "default"

// fallbackTemplate renders when neither the event type's template nor the
// default template exists.
var fallbackTemplate = &Template{
	Subject: "Fight alert: {{fightId}}",
	Body:    "Odds movement detected for fight {{fightId}} ({{movement_type}}, {{sportsbook}}).",
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// AddTemplate registers a template under a name, matched against event types
// at render time.
func (d *Dispatcher) AddTemplate(name string, tmpl *Template) {
	d.mu.Lock()
	d.templates[name] = tmpl
	d.mu.Unlock()
	d.emitter.Emit(event.TemplateAdded, event.Payload{"template": name})
}

func (d *Dispatcher) RemoveTemplate(name string) {
	d.mu.Lock()
	delete(d.templates, name)
	d.mu.Unlock()
	d.emitter.Emit(event.TemplateRemoved, event.Payload{"template": name})
}

// render resolves the template for the notification's event type and
// substitutes placeholders, producing the channel-agnostic payload.
func (d *Dispatcher) render(n *model.RoutedNotification) *model.NotificationPayload {
	d.mu.Lock()
	tmpl, ok := d.templates[n.Event.Type]
	if !ok {
		tmpl, ok = d.templates[defaultTemplateName]
	}
	d.mu.Unlock()
	if !ok || tmpl == nil {
		tmpl = fallbackTemplate
	}

	data := make(map[string]interface{}, len(n.Payload)+4)
	for k, v := range n.Payload {
		data[k] = v
	}
	data["fightId"] = n.Event.FightID
	data["fighterId"] = n.Event.FighterID
	data["eventType"] = n.Event.Type
	data["priority"] = string(n.Event.Priority)

	return &model.NotificationPayload{
		ID:       uuid.NewString(),
		UserID:   n.UserID,
		Subject:  substitute(tmpl.Subject, data),
		Content:  substitute(tmpl.Body, data),
		Priority: n.Event.Priority,
		Metadata: map[string]string{
			"event_id": n.Event.ID,
		},
		TemplateData: data,
	}
}

// substitute replaces {{key}} with the value from data. Unknown keys pass
// through unchanged.
func substitute(text string, data map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		key := match[2 : len(match)-2]
		if v, ok := data[key]; ok {
			return fmt.Sprint(v)
		}
		return match
	})
}
