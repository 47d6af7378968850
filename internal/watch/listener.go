package watch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store/kv"
)

// RowChannel carries the store_notify trigger payloads.
const RowChannel = "store_changes"

// Run listens on the notification channels until ctx is canceled,
// reconnecting with exponential backoff when the connection drops. The
// listener holds one dedicated connection outside the pool.
func (h *Hub) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}
		err := h.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		log.Error().Err(err).Dur("retry_in", wait).Msg("watch listener disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (h *Hub) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, h.url)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	for _, channel := range []string{kv.NotifyChannel, RowChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return err
		}
	}
	log.Info().Msg("watch listener connected")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		switch notification.Channel {
		case kv.NotifyChannel:
			h.handleKV(notification.Payload)
		case RowChannel:
			h.handleRow(notification.Payload)
		}
	}
}

// handleKV processes the engine-published {bucket, key, op, revision}
// payloads. These arrive with the bucket already resolved by name.
func (h *Hub) handleKV(payload string) {
	var n kvNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		log.Error().Err(err).Str("payload", payload).Msg("malformed kv notification")
		return
	}

	rev := n.Revision
	h.dispatch(StoreKV, n.Tenant, Event{
		Type:      n.Op,
		Bucket:    n.Bucket,
		Key:       n.Key,
		Revision:  &rev,
		Timestamp: time.Now().UTC(),
	})
}

// handleRow processes trigger payloads: bucket rows maintain the id caches,
// object metadata rows become object watch events. KV entry rows are
// ignored here; the kv_changes channel is authoritative for them and also
// covers PURGE, which has no surviving row to fire a trigger for.
func (h *Hub) handleRow(payload string) {
	var n rowNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		log.Error().Err(err).Str("payload", payload).Msg("malformed row notification")
		return
	}
	row := n.row()
	if row == nil {
		return
	}

	switch n.Table {
	case "kv_buckets":
		h.handleBucketRow(StoreKV, n.Action, row)
	case "obj_buckets":
		h.handleBucketRow(StoreObject, n.Action, row)
	case "obj_metadata":
		h.handleObjectRow(n.Action, row)
	}
}

func (h *Hub) handleBucketRow(store Store, action string, row map[string]any) {
	id, ok := rowUUID(row, "id")
	if !ok {
		return
	}
	switch action {
	case "INSERT":
		name, _ := row["name"].(string)
		tenantID, _ := row["tenant"].(string)
		h.setBucket(store, id, bucketInfo{name: name, tenant: tenantID})
	case "DELETE":
		h.dropBucket(store, id)
	}
}

func (h *Hub) handleObjectRow(action string, row map[string]any) {
	bucketID, ok := rowUUID(row, "bucket_id")
	if !ok {
		return
	}
	info, ok := h.lookupBucket(StoreObject, bucketID)
	if !ok {
		// Raced with bucket creation; clients re-reading will see current
		// state, so the lost event is acceptable.
		log.Debug().Stringer("bucket_id", bucketID).Msg("dropping event for unknown bucket")
		return
	}

	name, _ := row["name"].(string)
	ev := Event{Bucket: info.name, Name: name, Timestamp: time.Now().UTC()}

	switch action {
	case "UPDATE":
		// Only the finalize transition is a visible change.
		if status, _ := row["status"].(string); status != "COMPLETED" {
			return
		}
		ev.Type = "PUT"
		if size, ok := rowInt64(row, "size"); ok {
			ev.Size = &size
		}
		if digest, ok := row["digest"].(string); ok && digest != "" {
			ev.Digest = &digest
		}
	case "DELETE":
		ev.Type = "DELETE"
	default:
		return
	}

	h.dispatch(StoreObject, info.tenant, ev)
}

func rowUUID(row map[string]any, field string) (uuid.UUID, bool) {
	s, ok := row[field].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func rowInt64(row map[string]any, field string) (int64, bool) {
	switch v := row[field].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}
