package installation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/giantswarm/github-auth/autherr"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/login"
	"github.com/giantswarm/github-auth/notify"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/storage"
)

// GitHub webhook event types
const (
	EventInstallation = "installation"
	EventMembership   = "membership"
	EventOrganization = "organization"
)

// ErrUnhandledWebhook is returned by DecodeWebhook for events that carry
// nothing to act on.
var ErrUnhandledWebhook = errors.New("unhandled webhook")

// Webhook is one of InstallationCreated, InstallationRemoved,
// MembershipChanged or OrganizationMembershipChanged.
type Webhook interface {
	isWebhook()
}

// InstallationCreated is an app installed on, or unsuspended for, a target.
type InstallationCreated struct {
	AppID          string
	InstallationID string
	Target         string
	Sender         string
}

// InstallationRemoved is an app uninstalled from, or suspended for, a target.
type InstallationRemoved struct {
	AppID          string
	InstallationID string
	Target         string
	State          notify.InstallationState
}

// MembershipChanged is a team membership change.
type MembershipChanged struct {
	AppID   string
	Target  string
	Login   string
	Team    string
	Removed bool
}

// OrganizationMembershipChanged is an organization membership change.
type OrganizationMembershipChanged struct {
	AppID   string
	Target  string
	Login   string
	Removed bool
}

func (InstallationCreated) isWebhook()           {}
func (InstallationRemoved) isWebhook()           {}
func (MembershipChanged) isWebhook()             {}
func (OrganizationMembershipChanged) isWebhook() {}

type account struct {
	Login string `json:"login"`
}

type webhookPayload struct {
	Action string `json:"action"`

	Installation *struct {
		ID      int64    `json:"id"`
		Account *account `json:"account"`
	} `json:"installation"`
	Sender *account `json:"sender"`

	Member *account `json:"member"`
	Team   *struct {
		Slug string `json:"slug"`
	} `json:"team"`
	Organization *account `json:"organization"`

	Membership *struct {
		User *account `json:"user"`
	} `json:"membership"`
}

// DecodeWebhook decodes a webhook body. targetID is the id of the app the
// hook is installed for. Installation events with missing fields are bad
// requests; anything else that cannot be acted on is ErrUnhandledWebhook.
func DecodeWebhook(eventType, targetID string, body []byte) (Webhook, error) {
	if targetID == "" {
		return nil, fmt.Errorf("%w: missing target id", ErrUnhandledWebhook)
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, autherr.New(autherr.KindBadRequest, "Invalid webhook payload", err)
	}

	switch eventType {
	case EventInstallation:
		return decodeInstallation(targetID, &p)
	case EventMembership:
		if p.Member == nil || p.Team == nil || p.Organization == nil {
			break
		}
		return MembershipChanged{
			AppID:   targetID,
			Target:  p.Organization.Login,
			Login:   p.Member.Login,
			Team:    p.Team.Slug,
			Removed: p.Action == "removed",
		}, nil
	case EventOrganization:
		if p.Organization == nil || p.Membership == nil || p.Membership.User == nil {
			break
		}
		return OrganizationMembershipChanged{
			AppID:   targetID,
			Target:  p.Organization.Login,
			Login:   p.Membership.User.Login,
			Removed: p.Action == "member_removed",
		}, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnhandledWebhook, eventType, p.Action)
}

func decodeInstallation(appID string, p *webhookPayload) (Webhook, error) {
	var state notify.InstallationState
	switch p.Action {
	case "created", "unsuspend":
	case "deleted":
		state = notify.InstallationDeleted
	case "suspend":
		state = notify.InstallationSuspended
	default:
		return nil, fmt.Errorf("%w: installation %s", ErrUnhandledWebhook, p.Action)
	}

	if p.Installation == nil {
		return nil, autherr.BadRequest("Missing installation payload from event")
	}
	if p.Installation.ID == 0 || p.Installation.Account == nil {
		return nil, autherr.BadRequest("Missing id or account on installation")
	}
	target := p.Installation.Account.Login
	if target == "" {
		return nil, autherr.BadRequest("Missing login on account")
	}
	installationID := strconv.FormatInt(p.Installation.ID, 10)

	if state != "" {
		return InstallationRemoved{AppID: appID, InstallationID: installationID, Target: target, State: state}, nil
	}

	if p.Sender == nil || p.Sender.Login == "" {
		return nil, autherr.BadRequest("Missing sender on installation event")
	}
	return InstallationCreated{AppID: appID, InstallationID: installationID, Target: target, Sender: p.Sender.Login}, nil
}

// HandleWebhook acts on a GitHub App webhook. Installations create or
// destroy the installation login whose state is the installation id, and
// every handled event is published downstream.
func (l *Lifecycle) HandleWebhook(ctx context.Context, eventType, targetID string, body []byte) (err error) {
	ctx, span, inst := l.startSpan(ctx, "handle_webhook")
	defer func() { instrumentation.EndSpan(span, err) }()

	var action string
	defer func() {
		if inst != nil {
			inst.Metrics().RecordWebhook(ctx, eventType, action, err)
		}
	}()

	hook, err := DecodeWebhook(eventType, targetID, body)
	if errors.Is(err, ErrUnhandledWebhook) {
		l.logger.Debug("Ignoring webhook", "event", eventType, "reason", err)
		action = "ignored"
		return nil
	}
	if err != nil {
		return err
	}

	switch h := hook.(type) {
	case InstallationCreated:
		action = "installed"
		return l.installed(ctx, h)
	case InstallationRemoved:
		action = string(h.State)
		return l.removed(ctx, h)
	case MembershipChanged:
		action = "membership"
		ev := notify.NewMembershipEvent()
		ev.Target = h.Target
		ev.AppID = h.AppID
		ev.Login = h.Login
		ev.Team = h.Team
		ev.Removed = h.Removed
		return l.publish(ctx, ev)
	case OrganizationMembershipChanged:
		action = "organization_membership"
		ev := notify.NewTargetMembershipEvent()
		ev.Target = h.Target
		ev.AppID = h.AppID
		ev.Login = h.Login
		ev.Removed = h.Removed
		return l.publish(ctx, ev)
	}
	return nil
}

func (l *Lifecycle) installed(ctx context.Context, h InstallationCreated) error {
	if l.logins == nil {
		return autherr.Internal("Installation logins are not configured", nil)
	}

	app, err := l.app(ctx, h.AppID)
	if err != nil {
		return err
	}

	_, err = l.logins.CreateLogin(ctx, login.CreateLoginRequest{
		ClientID:       app.ClientID,
		State:          h.InstallationID,
		Login:          h.Sender,
		RedirectURI:    app.HomepageURL,
		AppID:          h.AppID,
		InstallationID: h.InstallationID,
	})
	switch {
	case errors.Is(err, storage.ErrLoginExists):
		l.logger.Info("Installation login already exists", "app_id", h.AppID, "installation_id", h.InstallationID)
	case err != nil:
		return err
	}

	return l.publishInstallation(ctx, h.Target, h.AppID, h.InstallationID, notify.InstallationInstalled)
}

func (l *Lifecycle) removed(ctx context.Context, h InstallationRemoved) error {
	app, err := l.app(ctx, h.AppID)
	if err != nil {
		return err
	}

	key := storage.Key{State: h.InstallationID, ClientID: app.ClientID}
	if err := l.store.DestroyLogin(ctx, key); err != nil {
		if !errors.Is(err, storage.ErrLoginNotFound) {
			return autherr.Upstream("Unable to remove installation login", err)
		}
		l.logger.Info("Installation login already removed", "key", key.String())
	}

	return l.publishInstallation(ctx, h.Target, h.AppID, h.InstallationID, h.State)
}

func (l *Lifecycle) app(ctx context.Context, appID string) (*providers.AppDetails, error) {
	details, err := l.App(ctx, appID)
	if err != nil {
		if errors.Is(err, ErrUnknownApp) {
			return nil, autherr.New(autherr.KindNotFound, "Unknown appId: "+appID, err)
		}
		return nil, autherr.Upstream("Unable to fetch app "+appID, err)
	}
	return details, nil
}

func (l *Lifecycle) publishInstallation(ctx context.Context, target, appID, installationID string, state notify.InstallationState) error {
	ev := notify.NewInstallationEvent()
	ev.Target = target
	ev.AppID = appID
	ev.InstallationID = installationID
	ev.State = state

	l.logger.Info("Publishing installation event", "target", target, "app_id", appID, "state", state)
	l.auditor.LogInstallationChanged(target, appID, installationID, string(state))
	return l.publish(ctx, ev)
}

// publish treats a missing message id as logged and handled
func (l *Lifecycle) publish(ctx context.Context, ev notify.Event) error {
	_, err := l.publisher.Publish(ctx, ev)
	if err != nil && !errors.Is(err, notify.ErrNoMessageID) {
		return autherr.Upstream("Unable to publish "+ev.EventType(), err)
	}
	return nil
}
