package message

import "egoipush/internal/prefs"

// View is the normalized notification handed to the tray, to host
// callbacks, and carried by every interaction. It holds the full event
// context so interaction handling never needs the original message.
type View struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	ImageURL   string `json:"image,omitempty"`
	Action     Action `json:"action"`
	HasAction  bool   `json:"has_action"`
	OpenAction string `json:"open_app_action,omitempty"`
	Target     string `json:"activity_target,omitempty"`

	APIKey      string `json:"-"`
	AppID       string `json:"app_id"`
	ContactID   string `json:"contact_id"`
	MessageHash string `json:"message_hash"`
	MailingID   int64  `json:"mailing_id"`
	DeviceID    int64  `json:"device_id"`
	MessageID   int64  `json:"message_id"`
}

// NewView denormalizes m with the credentials from p.
func NewView(m Message, p prefs.Preferences) View {
	return View{
		Title:       m.Notification.Title,
		Body:        m.Notification.Body,
		ImageURL:    m.Notification.ImageURL,
		Action:      m.Data.Action,
		HasAction:   m.Data.Action.Present(),
		OpenAction:  p.OpenAppAction,
		Target:      p.ActivityTarget,
		APIKey:      p.APIKey,
		AppID:       p.AppID,
		ContactID:   m.Data.ContactID,
		MessageHash: m.Data.MessageHash,
		MailingID:   m.Data.MailingID,
		DeviceID:    m.Data.DeviceID,
		MessageID:   m.Data.MessageID,
	}
}

func (v View) IsTest() bool { return v.MessageHash == TestHash }
