package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/store/kv"
	"github.com/maatini/unistore/internal/tenant"
	"github.com/maatini/unistore/internal/watch"
)

// replayHistoryCap bounds how many revisions per key a replay request may
// stream before switching to live events.
const replayHistoryCap = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients cannot set custom headers on WebSocket requests, so
	// origin is not restricted; the auth middleware already ran.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// connectedMessage is the hello frame sent after a successful subscribe.
type connectedMessage struct {
	Type   string `json:"type"`
	Bucket string `json:"bucket"`
	Key    string `json:"key,omitempty"`
	Since  int64  `json:"since"`
}

// WatchKVBucket handles GET /api/v1/kv/watch/{bucket}
func (s *Server) WatchKVBucket(w http.ResponseWriter, r *http.Request) {
	s.watchKV(w, r, chi.URLParam(r, "bucket"), "")
}

// WatchKVKey handles GET /api/v1/kv/watch/{bucket}/{key}
func (s *Server) WatchKVKey(w http.ResponseWriter, r *http.Request) {
	s.watchKV(w, r, chi.URLParam(r, "bucket"), chi.URLParam(r, "key"))
}

// WatchObjectBucket handles GET /api/v1/objects/watch/{bucket}
func (s *Server) WatchObjectBucket(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	if _, err := s.Objects.GetBucket(r.Context(), bucket); err != nil {
		writeError(w, r, err)
		return
	}

	sub := s.Hub.SubscribeBucket(watch.StoreObject, tenant.FromContext(r.Context()), bucket, 0)
	s.serveWatch(w, r, sub, connectedMessage{Type: "connected", Bucket: bucket}, nil)
}

func (s *Server) watchKV(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, err := s.KV.GetBucket(r.Context(), bucket); err != nil {
		writeError(w, r, err)
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = n
	}
	replay := r.URL.Query().Get("replay") == "true"

	tenantID := tenant.FromContext(r.Context())
	var sub *watch.Subscriber
	if key != "" {
		sub = s.Hub.SubscribeKey(watch.StoreKV, tenantID, bucket, key, since)
	} else {
		sub = s.Hub.SubscribeBucket(watch.StoreKV, tenantID, bucket, since)
	}

	hello := connectedMessage{Type: "connected", Bucket: bucket, Key: key, Since: since}

	var replayEvents []watch.Event
	if replay {
		events, err := s.replayKV(r, bucket, key, since)
		if err != nil {
			s.Hub.Unsubscribe(sub)
			writeError(w, r, err)
			return
		}
		replayEvents = events
	}

	s.serveWatch(w, r, sub, hello, replayEvents)
}

// replayKV collects historic revisions newer than since, oldest first, with
// values included. Live events never carry values; replay is the one place
// a watcher gets them without a separate read.
func (s *Server) replayKV(r *http.Request, bucket, key string, since int64) ([]watch.Event, error) {
	keys := []string{key}
	if key == "" {
		var err error
		keys, err = s.KV.ListKeys(r.Context(), bucket)
		if err != nil {
			return nil, err
		}
	}

	var events []watch.Event
	for _, k := range keys {
		entries, err := s.KV.History(r.Context(), bucket, k, replayHistoryCap)
		if err != nil {
			return nil, err
		}
		events = append(events, historyEvents(bucket, entries, since)...)
	}
	return events, nil
}

// historyEvents turns one key's newest-first history into replay events,
// oldest first, skipping revisions at or below the since cursor.
func historyEvents(bucket string, entries []kv.Entry, since int64) []watch.Event {
	var events []watch.Event
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if e.Revision <= since {
			continue
		}
		rev := e.Revision
		ev := watch.Event{
			Type:      string(e.Operation),
			Bucket:    bucket,
			Key:       e.Key,
			Revision:  &rev,
			Timestamp: e.CreatedAt,
		}
		if e.Operation == kv.OpPut {
			v := base64.StdEncoding.EncodeToString(e.Value)
			ev.Value = &v
		}
		events = append(events, ev)
	}
	return events
}

// serveWatch upgrades the connection and pumps hub events until either side
// goes away. Incoming "ping" text frames get a pong reply; everything else
// from the client is ignored.
func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request, sub *watch.Subscriber, hello connectedMessage, replay []watch.Event) {
	logger := log.Ctx(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Hub.Unsubscribe(sub)
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	defer func() {
		s.Hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

	// Client frames: "ping" keepalives and disconnects.
	pings := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			if string(msg) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	if err := write(hello); err != nil {
		return
	}
	for i := range replay {
		if err := write(&replay[i]); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Hub dropped us, most likely queue overflow.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event queue overflow"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := write(&ev); err != nil {
				logger.Debug().Err(err).Str("session", sub.ID()).Msg("watch write failed")
				return
			}
		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("session", sub.ID()).Msg("watch read ended")
			}
			return
		}
	}
}
