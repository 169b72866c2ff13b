// Package notify defines the downstream fan-out of login, identity and
// installation events.
//
// Events are JSON documents carrying a type and a version. They are published
// to a topic with the event type as subject; subscribers filter on subject.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/github-auth/instrumentation"
)

// Version is the schema version of every event type
const Version = 1

// Event types, used as message subjects
const (
	TypeLoginToken       = "GithubLoginTokenEvent"
	TypeIdentity         = "GithubIdentityEvent"
	TypeInstallation     = "GithubInstallationEvent"
	TypeMembership       = "GithubMembershipEvent"
	TypeTargetMembership = "GithubTargetMembershipEvent"
)

// InstallationState is the state carried by installation events.
type InstallationState string

const (
	InstallationInstalled InstallationState = "INSTALLED"
	InstallationDeleted   InstallationState = "DELETED"
	InstallationSuspended InstallationState = "SUSPENDED"
)

// IdentitySourceLogin marks identity events produced by a completed login
const IdentitySourceLogin = "LOGIN"

// ErrNoMessageID is returned when the notifier accepted a message without
// assigning it an id.
var ErrNoMessageID = errors.New("notifier returned no message id")

// Notifier publishes a payload to a topic.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Publish(ctx context.Context, topic, subject string, payload []byte) (messageID string, err error)
}

// Event is a publishable event.
type Event interface {
	EventType() string
}

// Header is embedded in every event.
type Header struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// EventType returns the subject the event is published under
func (h Header) EventType() string {
	return h.Type
}

func header(eventType string) Header {
	return Header{Type: eventType, Version: Version}
}

// LoginTokenEvent carries a freshly obtained provider token, or announces
// that a token is gone when Deleted is set.
type LoginTokenEvent struct {
	Header
	Login          string `json:"login"`
	Email          string `json:"email,omitempty"`
	Token          string `json:"token,omitempty"`
	AppID          string `json:"appId,omitempty"`
	InstallationID string `json:"installationId,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// NewLoginTokenEvent returns a login token event with its header set.
func NewLoginTokenEvent() *LoginTokenEvent {
	return &LoginTokenEvent{Header: header(TypeLoginToken)}
}

// IdentityEvent describes a GitHub user.
type IdentityEvent struct {
	Header
	ID      int64    `json:"id"`
	Login   string   `json:"login"`
	Emails  []string `json:"emails,omitempty"`
	Name    string   `json:"name,omitempty"`
	Twitter string   `json:"twitter,omitempty"`
	Source  string   `json:"source"`
}

// NewIdentityEvent returns an identity event with its header set.
func NewIdentityEvent() *IdentityEvent {
	return &IdentityEvent{Header: header(TypeIdentity)}
}

// InstallationEvent reports an app installation changing state on a target
// account.
type InstallationEvent struct {
	Header
	Target         string            `json:"target"`
	AppID          string            `json:"appId"`
	InstallationID string            `json:"installationId"`
	State          InstallationState `json:"state"`
}

// NewInstallationEvent returns an installation event with its header set.
func NewInstallationEvent() *InstallationEvent {
	return &InstallationEvent{Header: header(TypeInstallation)}
}

// MembershipEvent reports a team membership change.
type MembershipEvent struct {
	Header
	Target  string `json:"target"`
	AppID   string `json:"appId"`
	Login   string `json:"login"`
	Team    string `json:"team"`
	Removed bool   `json:"removed"`
}

// NewMembershipEvent returns a membership event with its header set.
func NewMembershipEvent() *MembershipEvent {
	return &MembershipEvent{Header: header(TypeMembership)}
}

// TargetMembershipEvent reports an organization membership change.
type TargetMembershipEvent struct {
	Header
	Target  string `json:"target"`
	AppID   string `json:"appId"`
	Login   string `json:"login"`
	Removed bool   `json:"removed"`
}

// NewTargetMembershipEvent returns an organization membership event with its
// header set.
func NewTargetMembershipEvent() *TargetMembershipEvent {
	return &TargetMembershipEvent{Header: header(TypeTargetMembership)}
}

// Publisher encodes events and publishes them to one topic.
type Publisher struct {
	notifier Notifier
	topic    string
	logger   *slog.Logger

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
}

// NewPublisher creates a publisher for topic.
func NewPublisher(notifier Notifier, topic string, logger *slog.Logger) (*Publisher, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{notifier: notifier, topic: topic, logger: logger}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for publish metrics
func (p *Publisher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instrumentation = inst
}

// Topic returns the topic events are published to
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish encodes event and publishes it with its type as subject.
// A message accepted without an id is reported as ErrNoMessageID.
func (p *Publisher) Publish(ctx context.Context, event Event) (string, error) {
	id, err := p.publish(ctx, event)

	p.mu.RLock()
	inst := p.instrumentation
	p.mu.RUnlock()
	if inst != nil {
		inst.Metrics().RecordEventPublished(ctx, event.EventType(), err)
	}

	if err != nil {
		p.logger.Error("Failed to publish event", "type", event.EventType(), "topic", p.topic, "error", err)
		return "", err
	}
	p.logger.Debug("Published event", "type", event.EventType(), "message_id", id)
	return id, nil
}

func (p *Publisher) publish(ctx context.Context, event Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", event.EventType(), err)
	}

	id, err := p.notifier.Publish(ctx, p.topic, event.EventType(), payload)
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", event.EventType(), err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoMessageID, event.EventType())
	}
	return id, nil
}
