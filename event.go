package plow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"
	"unicode"
)

// DefaultEventCodec is lazily initialized once MustRegisterEventType is used.
var DefaultEventCodec *EventCodec

var readBuildInfo = debug.ReadBuildInfo

// VCSRevision returns the version control revision the binary was built from
// or "devel" if the build info doesn't carry one.
func VCSRevision() string {
	info, ok := readBuildInfo()
	if !ok {
		return "devel"
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && kv.Value != "" {
			return kv.Value
		}
	}
	return "devel"
}

// MustRegisterEventType registers a global event type in the default codec.
func MustRegisterEventType[T Event](name string) {
	if DefaultEventCodec == nil {
		DefaultEventCodec = NewTypeCodec(VCSRevision())
	}
	MustRegisterEventTypeIn[T](DefaultEventCodec, name)
}

// reservedJSONKeys can't be used by event payload fields.
var reservedJSONKeys = []string{
	"id", "name", "typeName", "time", "version",
	"revisionVCS", "streamID", "streamVersion",
}

// EventCodec handles event marshaling and unmarshaling.
type EventCodec struct {
	revisionVCS         string
	eventTypeByName     map[string]reflect.Type
	eventTypeNameByType map[reflect.Type]string

	inUse bool // Set to true by Make once this codec is in use.
}

// NewTypeCodec creates a new type codec.
// revisionVCS is the version control system revision of this instance and
// can be populated using VCSRevision.
func NewTypeCodec(revisionVCS string) *EventCodec {
	return &EventCodec{
		revisionVCS:         revisionVCS,
		eventTypeByName:     map[string]reflect.Type{},
		eventTypeNameByType: map[reflect.Type]string{},
	}
}

// RevisionVCS returns the revision stamped onto events appended with this codec.
func (r *EventCodec) RevisionVCS() string { return r.revisionVCS }

// MustRegisterEventTypeIn registers an event type to codec.
func MustRegisterEventTypeIn[T Event](codec *EventCodec, name string) {
	if codec.inUse {
		panic("attempting to register event type at engine runtime")
	}
	switch {
	case name == "":
		panic("empty event name")
	case unicode.IsSpace(rune(name[0])):
		panic("event name starts with space characters")
	case unicode.IsSpace(rune(name[len(name)-1])):
		panic("event name ends with space characters")
	}
	if _, ok := codec.eventTypeByName[name]; ok {
		panic(fmt.Sprintf("event already registered: %q", name))
	}

	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if prev, ok := codec.eventTypeNameByType[t]; ok {
		panic(fmt.Sprintf("event type %s already registered as %q", t.Name(), prev))
	}
	checkReservedFields(t)
	codec.eventTypeByName[name] = t
	codec.eventTypeNameByType[t] = name
}

func checkReservedFields(t reflect.Type) {
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Anonymous || !f.IsExported() {
			continue
		}
		key := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if n, _, _ := strings.Cut(tag, ","); n != "" {
				key = n
			}
		}
		for _, reserved := range reservedJSONKeys {
			if strings.EqualFold(key, reserved) {
				panic(fmt.Sprintf(
					"event type %s has field %q with JSON tag %q "+
						"which collides with EventMetadata",
					t.Name(), f.Name, key,
				))
			}
		}
	}
}

// TypeName returns the registered name of e's type.
func (r *EventCodec) TypeName(e Event) (string, bool) {
	t := reflect.TypeOf(e)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name, ok := r.eventTypeNameByType[t]
	return name, ok
}

func (r *EventCodec) createEventObject(name string) Event {
	t, ok := r.eventTypeByName[name]
	if !ok {
		return nil
	}
	e := reflect.New(t).Interface().(Event)
	e.metadata().name = name
	return e
}

// initializeEvent stamps the type name, revision, time and id onto e
// unless they're already set.
func (r *EventCodec) initializeEvent(e Event, now func() time.Time) error {
	typeName, ok := r.TypeName(e)
	if !ok {
		return fmt.Errorf("event %T not registered", e)
	}
	m := e.metadata()
	if m.t.IsZero() {
		m.t = now()
	}
	m.t = m.t.UTC().Truncate(time.Microsecond)
	if m.id == "" {
		m.id = NewID()
	}
	m.revisionVCS, m.name = r.revisionVCS, typeName
	return nil
}

type noimpl struct{}

// Event is a domain event: an immutable record of something that happened.
// Implementations must embed EventMetadata.
type Event interface {
	// This prevents anything but the EventMetadata implementing this interface.
	noimpl() noimpl

	metadata() *EventMetadata

	// ID returns the globally unique event identifier.
	ID() string

	// Version returns the position of the event in the global log.
	// Zero until the event is appended.
	Version() int64

	// Name returns the event type name.
	Name() string

	// Time returns the event production time.
	Time() time.Time

	// RevisionVCS returns the version control system revision of the event producer.
	RevisionVCS() string

	// StreamID returns the identifier of the aggregate that raised the event.
	StreamID() string

	// StreamVersion returns the position of the event in its stream.
	StreamVersion() int64
}

func (r *EventCodec) EncodeJSON(e Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *EventCodec) DecodeJSON(name string, payload []byte) (Event, error) {
	e := r.createEventObject(name)
	if e == nil {
		return nil, fmt.Errorf("event %q not registered", name)
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EventMetadata must be embedded by every type that implements Event.
// Example event type:
//
//	type TaskCreated struct {
//		plow.EventMetadata
//
//		Description string `json:"description"`
//	}
//
// The event must be registered using MustRegisterEventType:
//
//	plow.MustRegisterEventType[*TaskCreated]("task-created")
//
// By default, events are registered globally.
// It is adviced to register the type during package init.
type EventMetadata struct {
	id            string
	name          string
	t             time.Time
	revisionVCS   string
	version       int64
	streamID      string
	streamVersion int64
}

func (e *EventMetadata) metadata() *EventMetadata { return e }
func (e *EventMetadata) noimpl() noimpl           { return noimpl{} }

func (e *EventMetadata) ID() string           { return e.id }
func (e *EventMetadata) Version() int64       { return e.version }
func (e *EventMetadata) Time() time.Time      { return e.t }
func (e *EventMetadata) Name() string         { return e.name }
func (e *EventMetadata) RevisionVCS() string  { return e.revisionVCS }
func (e *EventMetadata) StreamID() string     { return e.streamID }
func (e *EventMetadata) StreamVersion() int64 { return e.streamVersion }
