package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"egoipush/internal/message"
	"egoipush/internal/outbox"
	logx "egoipush/pkg/logx"
)

// EventKind is an interaction reported to the API.
type EventKind string

const (
	EventOpen     EventKind = "open"
	EventCanceled EventKind = "canceled"
	EventReceived EventKind = "received"
)

var ErrInvalidEvent = errors.New("invalid event")

// ParseEventKind validates an event name.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EventOpen, EventCanceled, EventReceived:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
}

// Job kinds handled by the outbox.
const (
	KindEvent = "event"
	KindToken = "token"
)

// Queue is the durable work queue used for delivery.
type Queue interface {
	Handle(kind string, h outbox.Handler)
	Submit(ctx context.Context, kind string, payload []byte) (string, error)
}

// EventBody is the wire body of the event endpoint.
type EventBody struct {
	Contact     string    `json:"contact"`
	OS          string    `json:"os"`
	MessageHash string    `json:"message_hash"`
	MailingID   int64     `json:"mailing_id"`
	Event       EventKind `json:"event"`
	DeviceID    int64     `json:"device_id"`
}

type eventJob struct {
	AppID  string    `json:"app_id"`
	APIKey string    `json:"api_key"`
	Body   EventBody `json:"body"`
}

// Reporter queues interaction events.
type Reporter struct {
	client *Client
	queue  Queue
	log    logx.Logger
}

func NewReporter(client *Client, queue Queue, log logx.Logger) *Reporter {
	r := &Reporter{client: client, queue: queue, log: log.With(logx.String("comp", "events"))}
	queue.Handle(KindEvent, r.deliver)
	return r
}

// Report queues kind for v. It returns the job id, or "" when nothing was
// queued: self-test notifications and unidentified contacts are skipped.
func (r *Reporter) Report(ctx context.Context, kind EventKind, v message.View) (string, error) {
	if _, err := ParseEventKind(string(kind)); err != nil {
		return "", err
	}
	if v.IsTest() {
		r.log.Debug("event suppressed for self-test notification", logx.String("event", string(kind)))
		return "", nil
	}
	if v.ContactID == "" {
		r.log.Debug("event skipped; no contact id", logx.String("event", string(kind)), logx.String("hash", v.MessageHash))
		return "", nil
	}
	if v.AppID == "" || v.APIKey == "" {
		return "", ErrNotConfigured
	}
	job := eventJob{
		AppID:  v.AppID,
		APIKey: v.APIKey,
		Body: EventBody{
			Contact:     v.ContactID,
			OS:          OS,
			MessageHash: v.MessageHash,
			MailingID:   v.MailingID,
			Event:       kind,
			DeviceID:    v.DeviceID,
		},
	}
	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return r.queue.Submit(ctx, KindEvent, b)
}

// Send performs the HTTP call for one event. An empty contact succeeds
// without a request.
func (r *Reporter) Send(ctx context.Context, appID, apiKey string, body EventBody) error {
	if body.Contact == "" {
		return nil
	}
	return r.client.Post(ctx, appID, apiKey, "event", body)
}

func (r *Reporter) deliver(ctx context.Context, payload []byte) error {
	var job eventJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return outbox.NoRetry(fmt.Errorf("decode event job: %w", err))
	}
	if err := r.Send(ctx, job.AppID, job.APIKey, job.Body); err != nil {
		return err
	}
	r.log.Debug("event registered", logx.String("event", string(job.Body.Event)), logx.String("hash", job.Body.MessageHash))
	return nil
}
