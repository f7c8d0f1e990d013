package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/httputil"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// eventStream pushes journal events to websocket clients. Slow clients lose
// events rather than blocking the journal.
type eventStream struct {
	journal  events.Journal
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func newEventStream(journal events.Journal, allowedOrigins []string, log *logger.Logger) *eventStream {
	s := &eventStream{journal: journal, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) > 0 {
		s.upgrader.CheckOrigin = originChecker(allowedOrigins)
	}
	return s
}

// serve streams events matching the optional domain_id, message_id and type
// query filters.
func (s *eventStream) serve(w http.ResponseWriter, r *http.Request) {
	filter, err := streamFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	// Subscribe before the handshake completes so the client sees every
	// event logged after it connects.
	var dropped atomic.Int64
	defer func() {
		if n := dropped.Load(); n > 0 {
			s.log.WithContext(r.Context()).WithField("dropped", n).Warn("event stream client fell behind")
		}
	}()
	out := make(chan events.Event, streamBuffer)
	unsubscribe := s.journal.SubscribeFiltered(filter, func(e events.Event) {
		select {
		case out <- e:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read loop only handles control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func streamFilter(q url.Values) (events.EventFilter, error) {
	var (
		domainID  uint64
		hasDomain bool
	)
	if raw := strings.TrimSpace(q.Get("domain_id")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, errors.Invalid("domain_id must be an unsigned integer").WithDetails("domain_id", raw)
		}
		domainID, hasDomain = id, true
	}
	messageID := strings.TrimSpace(q.Get("message_id"))
	eventType := events.EventType(strings.TrimSpace(q.Get("type")))

	return func(e events.Event) bool {
		if hasDomain && e.DomainID != domainID {
			return false
		}
		if messageID != "" && e.MessageID != messageID {
			return false
		}
		if eventType != "" && e.Type != eventType {
			return false
		}
		return true
	}, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
			if strings.HasPrefix(a, "*.") && strings.HasSuffix(origin, a[1:]) {
				return true
			}
		}
		return false
	}
}
