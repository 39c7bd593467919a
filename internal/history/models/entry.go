package models

import (
	"strings"
	"time"
)

// ResourceKind tags the level of the resource tree an entry describes.
type ResourceKind string

const (
	KindTenant     ResourceKind = "tenant"
	KindCollection ResourceKind = "collection"
	KindGroup      ResourceKind = "group"
	KindRecord     ResourceKind = "record"
)

func (k ResourceKind) IsValid() bool {
	switch k {
	case KindTenant, KindCollection, KindGroup, KindRecord:
		return true
	}
	return false
}

// Action is the mutation an entry records. Reads never produce entries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Permissions maps a permission name ("read", "write", ...) to principals.
type Permissions map[string][]string

// Grants reports whether any of principals holds one of the named permissions.
func (p Permissions) Grants(principals []string, names ...string) bool {
	for _, name := range names {
		for _, holder := range p[name] {
			for _, principal := range principals {
				if holder == principal {
					return true
				}
			}
		}
	}
	return false
}

// Target is the snapshot of a resource after the mutation.
type Target struct {
	Data        map[string]any `json:"data"`
	Permissions Permissions    `json:"permissions"`
}

// Entry is one immutable history record.
//
// Invariants:
//   - Entries are write-once; stores never update them in place
//   - SortKey is strictly increasing within a tenant and never reused while the
//     tenant exists
//   - EventTime is non-decreasing within a tenant
//   - Every entry belongs to exactly one tenant and dies with it
type Entry struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	CollectionID string       `json:"collection_id,omitempty"`
	GroupID      string       `json:"group_id,omitempty"`
	RecordID     string       `json:"record_id,omitempty"`
	ResourceKind ResourceKind `json:"resource_name"`
	Action       Action       `json:"action"`
	Target       Target       `json:"target"`
	URI          string       `json:"uri"`
	PrincipalID  string       `json:"principal_id"`
	EventTime    Timestamp    `json:"event_time"`
	SortKey      int64        `json:"sort_key"`
}

// Path returns the hierarchical components of the entry.
func (e *Entry) Path() Path {
	return Path{
		TenantID:     e.TenantID,
		CollectionID: e.CollectionID,
		GroupID:      e.GroupID,
		RecordID:     e.RecordID,
	}
}

// Under reports whether the entry's URI is prefix or one of its descendants.
func (e *Entry) Under(prefix string) bool {
	return e.URI == prefix || strings.HasPrefix(e.URI, prefix+"/")
}

// Fields returns every attribute keyed by its JSON name. The query engine
// projects from this map.
func (e *Entry) Fields() map[string]any {
	fields := map[string]any{
		"id":            e.ID,
		"tenant_id":     e.TenantID,
		"resource_name": string(e.ResourceKind),
		"action":        string(e.Action),
		"target":        e.Target,
		"uri":           e.URI,
		"principal_id":  e.PrincipalID,
		"event_time":    e.EventTime.String(),
		"sort_key":      e.SortKey,
	}
	if e.CollectionID != "" {
		fields["collection_id"] = e.CollectionID
	}
	if e.GroupID != "" {
		fields["group_id"] = e.GroupID
	}
	if e.RecordID != "" {
		fields["record_id"] = e.RecordID
	}
	return fields
}

// FieldNames lists every attribute name an entry exposes.
var FieldNames = []string{
	"id", "tenant_id", "collection_id", "group_id", "record_id", "resource_name",
	"action", "target", "uri", "principal_id", "event_time", "sort_key",
}

// Timestamp is an event time rendered with microsecond precision.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// NewTimestamp truncates t to microseconds in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

func (t Timestamp) String() string {
	return t.Time.UTC().Format(timestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}
