// Package changestream decodes login store change records into a closed set
// of event variants and routes them to handlers.
package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/github-auth/storage"
)

// EventName classifies a change record.
type EventName string

const (
	EventInsert EventName = "INSERT"
	EventModify EventName = "MODIFY"
	EventRemove EventName = "REMOVE"
)

// ErrUnknownEvent is returned for records that match no event variant.
var ErrUnknownEvent = errors.New("unknown change event")

// Record is a raw change record as emitted by a store.
type Record struct {
	EventName EventName         `json:"eventName"`
	Keys      map[string]string `json:"keys"`
	NewImage  json.RawMessage   `json:"newImage,omitempty"`
	OldImage  json.RawMessage   `json:"oldImage,omitempty"`
}

// NewRecord builds a record from optional before and after images.
func NewRecord(name EventName, key storage.Key, oldImage, newImage *storage.Login) (Record, error) {
	rec := Record{EventName: name, Keys: key.Columns()}

	if oldImage != nil {
		raw, err := json.Marshal(oldImage)
		if err != nil {
			return Record{}, fmt.Errorf("failed to encode old image: %w", err)
		}
		rec.OldImage = raw
	}
	if newImage != nil {
		raw, err := json.Marshal(newImage)
		if err != nil {
			return Record{}, fmt.Errorf("failed to encode new image: %w", err)
		}
		rec.NewImage = raw
	}
	return rec, nil
}

// Event is one of Inserted, Modified or Removed.
type Event interface {
	// Key identifies the changed login record
	Key() storage.Key

	isEvent()
}

// Inserted reports a new record.
type Inserted struct {
	Login *storage.Login
}

// Modified reports an updated record.
type Modified struct {
	Old   *storage.Login
	Login *storage.Login
}

// Removed reports a destroyed record. Old is the record as it was.
type Removed struct {
	Old *storage.Login
}

func (e Inserted) Key() storage.Key { return e.Login.Key() }
func (e Modified) Key() storage.Key { return e.Login.Key() }
func (e Removed) Key() storage.Key  { return e.Old.Key() }

func (Inserted) isEvent() {}
func (Modified) isEvent() {}
func (Removed) isEvent()  {}

// CanHandle reports whether keys identify a login record.
func CanHandle(keys map[string]string) bool {
	if keys == nil {
		return false
	}
	_, err := storage.ParseKey(keys[storage.HashKeyName], keys[storage.RangeKeyName])
	return err == nil
}

// Decode turns a record into its event variant. Records with an unknown
// event name, or missing the image their variant needs, are rejected.
func Decode(rec Record) (Event, error) {
	key, err := storage.ParseKey(rec.Keys[storage.HashKeyName], rec.Keys[storage.RangeKeyName])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}

	switch rec.EventName {
	case EventInsert:
		login, err := decodeImage(rec.NewImage, key)
		if err != nil {
			return nil, err
		}
		return Inserted{Login: login}, nil

	case EventModify:
		login, err := decodeImage(rec.NewImage, key)
		if err != nil {
			return nil, err
		}
		ev := Modified{Login: login}
		if len(rec.OldImage) > 0 {
			if ev.Old, err = decodeImage(rec.OldImage, key); err != nil {
				return nil, err
			}
		}
		return ev, nil

	case EventRemove:
		old, err := decodeImage(rec.OldImage, key)
		if err != nil {
			return nil, err
		}
		return Removed{Old: old}, nil

	default:
		return nil, fmt.Errorf("%w: event name %q", ErrUnknownEvent, rec.EventName)
	}
}

// decodeImage decodes a record image. Key columns win over image fields.
func decodeImage(raw json.RawMessage, key storage.Key) (*storage.Login, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing image for %s", ErrUnknownEvent, key)
	}
	var login storage.Login
	if err := json.Unmarshal(raw, &login); err != nil {
		return nil, fmt.Errorf("%w: malformed image for %s: %v", ErrUnknownEvent, key, err)
	}
	login.State = key.State
	login.ClientID = key.ClientID
	return &login, nil
}

// Handler consumes decoded events.
type Handler interface {
	Dispatch(ctx context.Context, event Event) error
}

// Sink receives records emitted by a store.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Dispatcher filters records with CanHandle, decodes them and hands the
// events to a handler. It implements Sink.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher for handler.
func NewDispatcher(handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: handler, logger: logger}
}

// Emit dispatches one record. Records that are not login records are
// ignored; undecodable login records are logged and reported.
func (d *Dispatcher) Emit(ctx context.Context, rec Record) error {
	if !CanHandle(rec.Keys) {
		d.logger.Debug("Ignoring unhandled change record", "keys", rec.Keys)
		return nil
	}

	event, err := Decode(rec)
	if err != nil {
		d.logger.Warn("Rejected change record", "event_name", rec.EventName, "error", err)
		return err
	}

	return d.handler.Dispatch(ctx, event)
}
