package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"egoipush/internal/outbox"
	"egoipush/internal/prefs"
	logx "egoipush/pkg/logx"
)

// TwoStepsData is an optional contact field written alongside the token.
type TwoStepsData struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// TokenBody is the wire body of the token endpoint.
type TokenBody struct {
	Token        string        `json:"token"`
	OS           string        `json:"os"`
	TwoStepsData *TwoStepsData `json:"two_steps_data,omitempty"`
}

type tokenJob struct {
	AppID  string    `json:"app_id"`
	APIKey string    `json:"api_key"`
	Body   TokenBody `json:"body"`
}

// Credentials loads the current app credentials.
type Credentials interface {
	Load(ctx context.Context) (prefs.Preferences, error)
}

// Session is the token state of one SDK instance.
type Session struct {
	Token      string `json:"token"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	Registered bool   `json:"registered"`
}

// Registrar binds the push transport token to the contact.
type Registrar struct {
	client *Client
	queue  Queue
	creds  Credentials
	log    logx.Logger

	mu      sync.Mutex
	session Session
}

func NewRegistrar(client *Client, queue Queue, creds Credentials, log logx.Logger) *Registrar {
	r := &Registrar{client: client, queue: queue, creds: creds, log: log.With(logx.String("comp", "token"))}
	queue.Handle(KindToken, r.deliver)
	return r
}

// RegisterToken queues a registration of token. field and value are only
// remembered when both are non-empty; remembered values are sent with every
// later registration.
func (r *Registrar) RegisterToken(ctx context.Context, token, field, value string) (string, error) {
	p, err := r.creds.Load(ctx)
	if err != nil {
		return "", err
	}
	if !p.CanReport() {
		return "", ErrNotConfigured
	}

	r.mu.Lock()
	r.session.Token = token
	if field != "" && value != "" {
		r.session.Field = field
		r.session.Value = value
	}
	body := TokenBody{Token: token, OS: OS}
	if r.session.Field != "" && r.session.Value != "" {
		body.TwoStepsData = &TwoStepsData{Field: r.session.Field, Value: r.session.Value}
	}
	r.mu.Unlock()

	b, err := json.Marshal(tokenJob{AppID: p.AppID, APIKey: p.APIKey, Body: body})
	if err != nil {
		return "", err
	}
	return r.queue.Submit(ctx, KindToken, b)
}

// UpdateToken re-registers only after a successful registration and only
// when token differs from the current one. It reports whether a job was
// queued.
func (r *Registrar) UpdateToken(ctx context.Context, token string) (bool, error) {
	r.mu.Lock()
	skip := !r.session.Registered || token == r.session.Token
	r.mu.Unlock()
	if skip {
		r.log.Debug("token update skipped")
		return false, nil
	}
	if _, err := r.RegisterToken(ctx, token, "", ""); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registrar) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Registered
}

func (r *Registrar) deliver(ctx context.Context, payload []byte) error {
	var job tokenJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return outbox.NoRetry(fmt.Errorf("decode token job: %w", err))
	}
	if err := r.client.Post(ctx, job.AppID, job.APIKey, "token", job.Body); err != nil {
		return err
	}
	r.mu.Lock()
	r.session.Registered = true
	r.mu.Unlock()
	r.log.Info("token registered", logx.Bool("two_steps", job.Body.TwoStepsData != nil))
	return nil
}
