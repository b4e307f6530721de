package actions

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/liamcoop/automations/rules"
)

// Adapter performs one action against its external collaborator. Invoke must
// honour ctx cancellation; it is never retried internally.
type Adapter interface {
	Invoke(ctx context.Context, req Request) error
}

// AdapterFunc lets a plain function serve as an Adapter
type AdapterFunc func(ctx context.Context, req Request) error

func (f AdapterFunc) Invoke(ctx context.Context, req Request) error { return f(ctx, req) }

// Request is what an adapter receives: the rendered config plus the identity
// of the firing it belongs to
type Request struct {
	RuleID           string
	ActionIndex      int
	ActionType       rules.ActionType
	Config           map[string]any
	TriggerContextID string
	IdempotencyKey   string
	Entity           string
	Payload          map[string]any
}

const idempotencyHeader = "Idempotency-Key"

// WebhookAdapter sends an HTTP request to config.url (config.method, default POST).
// config.body is sent when present, otherwise a firing envelope.
type WebhookAdapter struct {
	client *jsonClient
}

// NewWebhookAdapter creates a webhook adapter. Relative URLs resolve against baseURL.
func NewWebhookAdapter(baseURL string, client *http.Client) (*WebhookAdapter, error) {
	c, err := newJSONClient(rules.ActionWebhook, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &WebhookAdapter{client: c}, nil
}

func (a *WebhookAdapter) Invoke(ctx context.Context, req Request) error {
	target := stringValue(req.Config, "url")
	if target == "" {
		return fmt.Errorf("webhook action requires a url")
	}
	method := stringValue(req.Config, "method")
	if method == "" {
		method = http.MethodPost
	}

	headers := stringMap(req.Config["headers"])
	if headers == nil {
		headers = map[string]string{}
	}
	if req.IdempotencyKey != "" {
		headers[idempotencyHeader] = req.IdempotencyKey
	}

	body, hasBody := req.Config["body"]
	if !hasBody && method != http.MethodGet && method != http.MethodDelete {
		body = map[string]any{
			"ruleId":           req.RuleID,
			"triggerContextId": req.TriggerContextID,
			"payload":          req.Payload,
		}
	}

	return a.client.do(ctx, method, target, headers, body, nil)
}

// MessengerAdapter dispatches NOTIFICATION and SEND_EMAIL actions to the
// notification service, keyed by template and recipients
type MessengerAdapter struct {
	client *jsonClient
}

// NewMessengerAdapter creates a client for the notification service at baseURL
func NewMessengerAdapter(baseURL string, client *http.Client) (*MessengerAdapter, error) {
	c, err := newJSONClient(rules.ActionNotification, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &MessengerAdapter{client: c}, nil
}

type messageRequest struct {
	Channel          string         `json:"channel"`
	Template         string         `json:"template"`
	Recipients       []string       `json:"recipients"`
	Subject          string         `json:"subject,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	RuleID           string         `json:"ruleId"`
	TriggerContextID string         `json:"triggerContextId"`
}

func (a *MessengerAdapter) Invoke(ctx context.Context, req Request) error {
	recipients := stringList(req.Config["recipients"])
	if len(recipients) == 0 {
		return fmt.Errorf("%s action requires at least one recipient", req.ActionType)
	}

	channel := "notification"
	if req.ActionType == rules.ActionSendEmail {
		channel = "email"
	}

	data, _ := req.Config["data"].(map[string]any)
	if data == nil {
		data = req.Payload
	}

	msg := messageRequest{
		Channel:          channel,
		Template:         stringValue(req.Config, "template"),
		Recipients:       recipients,
		Subject:          stringValue(req.Config, "subject"),
		Data:             data,
		RuleID:           req.RuleID,
		TriggerContextID: req.TriggerContextID,
	}
	return a.client.do(ctx, http.MethodPost, "messages", idempotency(req), msg, nil)
}

// TaskAdapter creates tasks in the task tracker
type TaskAdapter struct {
	client *jsonClient
}

// NewTaskAdapter creates a client for the task tracker at baseURL
func NewTaskAdapter(baseURL string, client *http.Client) (*TaskAdapter, error) {
	c, err := newJSONClient(rules.ActionCreateTask, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &TaskAdapter{client: c}, nil
}

type taskRequest struct {
	Title            string `json:"title"`
	Assignee         string `json:"assignee,omitempty"`
	Description      string `json:"description,omitempty"`
	DueIn            string `json:"dueIn,omitempty"`
	RuleID           string `json:"ruleId"`
	TriggerContextID string `json:"triggerContextId"`
}

func (a *TaskAdapter) Invoke(ctx context.Context, req Request) error {
	task := taskRequest{
		Title:            stringValue(req.Config, "title"),
		Assignee:         stringValue(req.Config, "assignee"),
		Description:      stringValue(req.Config, "description"),
		DueIn:            stringValue(req.Config, "dueIn"),
		RuleID:           req.RuleID,
		TriggerContextID: req.TriggerContextID,
	}
	if task.Title == "" {
		return fmt.Errorf("task action requires a title")
	}
	return a.client.do(ctx, http.MethodPost, "tasks", idempotency(req), task, nil)
}

// EntityAdapter applies UPDATE_FIELD actions to the triggering entity and
// lists entity snapshots for scheduled rules
type EntityAdapter struct {
	client *jsonClient
}

// NewEntityAdapter creates a client for the entity store at baseURL
func NewEntityAdapter(baseURL string, client *http.Client) (*EntityAdapter, error) {
	c, err := newJSONClient(rules.ActionUpdateField, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &EntityAdapter{client: c}, nil
}

// Invoke sets config.field to config.value on the entity. The entity type comes
// from config.entity, the rule's trigger entity or payload.entityType; the id
// from config.entityId or payload.id.
func (a *EntityAdapter) Invoke(ctx context.Context, req Request) error {
	field := stringValue(req.Config, "field")
	if field == "" {
		return fmt.Errorf("update field action requires a field")
	}

	entity := stringValue(req.Config, "entity")
	if entity == "" {
		entity = req.Entity
	}
	if entity == "" {
		entity, _ = req.Payload["entityType"].(string)
	}
	id := stringValue(req.Config, "entityId")
	if id == "" && req.Payload != nil {
		if v, ok := req.Payload["id"]; ok {
			id = fmt.Sprint(v)
		}
	}
	if entity == "" || id == "" {
		return fmt.Errorf("update field action cannot identify the triggering entity")
	}

	target := "entities/" + url.PathEscape(entity) + "/" + url.PathEscape(id) + "/fields"
	body := map[string]any{"field": field, "value": req.Config["value"]}
	return a.client.do(ctx, http.MethodPatch, target, idempotency(req), body, nil)
}

// Snapshots lists the current state of every entity of a type
func (a *EntityAdapter) Snapshots(ctx context.Context, entity string) ([]map[string]any, error) {
	var out struct {
		Items []map[string]any `json:"items"`
	}
	if err := a.client.do(ctx, http.MethodGet, "entities/"+url.PathEscape(entity), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list %s snapshots: %w", entity, err)
	}
	return out.Items, nil
}

// SnapshotSource supplies entity snapshots for scheduled rules with a trigger entity
type SnapshotSource interface {
	Snapshots(ctx context.Context, entity string) ([]map[string]any, error)
}

func idempotency(req Request) map[string]string {
	if req.IdempotencyKey == "" {
		return nil
	}
	return map[string]string{idempotencyHeader: req.IdempotencyKey}
}

// Endpoints locates the collaborator services
type Endpoints struct {
	WebhookBaseURL  string
	NotificationURL string
	TasksURL        string
	EntitiesURL     string
}

// Collaborators holds one adapter per collaborator service
type Collaborators struct {
	Webhook   *WebhookAdapter
	Messenger *MessengerAdapter
	Tasks     *TaskAdapter
	Entities  *EntityAdapter
}

// NewCollaborators builds the HTTP adapters for every action type
func NewCollaborators(endpoints Endpoints, client *http.Client) (*Collaborators, error) {
	webhook, err := NewWebhookAdapter(endpoints.WebhookBaseURL, client)
	if err != nil {
		return nil, err
	}
	messenger, err := NewMessengerAdapter(endpoints.NotificationURL, client)
	if err != nil {
		return nil, err
	}
	tasks, err := NewTaskAdapter(endpoints.TasksURL, client)
	if err != nil {
		return nil, err
	}
	entities, err := NewEntityAdapter(endpoints.EntitiesURL, client)
	if err != nil {
		return nil, err
	}
	return &Collaborators{Webhook: webhook, Messenger: messenger, Tasks: tasks, Entities: entities}, nil
}

// Options registers every collaborator with an Executor
func (c *Collaborators) Options() []Option {
	return []Option{
		WithAdapter(rules.ActionWebhook, c.Webhook),
		WithAdapter(rules.ActionNotification, c.Messenger),
		WithAdapter(rules.ActionSendEmail, c.Messenger),
		WithAdapter(rules.ActionCreateTask, c.Tasks),
		WithAdapter(rules.ActionUpdateField, c.Entities),
	}
}
