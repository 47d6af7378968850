// Package watch fans PostgreSQL change notifications out to bucket- and
// key-scoped subscribers. One dedicated LISTEN connection feeds the hub;
// dispatch to each subscriber is non-blocking so a slow client never delays
// the others.
package watch

import "time"

// Store discriminates KV and object subscriptions; bucket names are only
// unique within one store.
type Store string

const (
	StoreKV     Store = "kv"
	StoreObject Store = "object"
)

// Event is the wire shape delivered to watchers. KV events carry Key and
// Revision; object events carry Name, Size and Digest. Value is only set on
// replayed history entries: live NOTIFY payloads exclude values to stay
// inside the channel's size limit.
type Event struct {
	Type      string    `json:"type"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key,omitempty"`
	Name      string    `json:"name,omitempty"`
	Value     *string   `json:"value,omitempty"`
	Revision  *int64    `json:"revision,omitempty"`
	Size      *int64    `json:"size,omitempty"`
	Digest    *string   `json:"digest,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// kvNotification is the payload the KV engine publishes on kv_changes.
type kvNotification struct {
	Tenant   string `json:"tenant"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Op       string `json:"op"`
	Revision int64  `json:"revision"`
}

// rowNotification is the payload the store_notify trigger publishes on
// store_changes: the changed row as JSON, bulk columns stripped.
type rowNotification struct {
	Table  string         `json:"table"`
	Action string         `json:"action"`
	New    map[string]any `json:"new"`
	Old    map[string]any `json:"old"`
}

func (n *rowNotification) row() map[string]any {
	if n.New != nil {
		return n.New
	}
	return n.Old
}
