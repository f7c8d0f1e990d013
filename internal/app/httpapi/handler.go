// Package httpapi exposes the relay services over REST and a websocket
// event stream.
package httpapi

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/Carbon-Twelve-C12/quantera-sub007/internal/app"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/metrics"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/lifecycle"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/optimizer"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/httputil"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/middleware"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// maxBodyBytes bounds request bodies; payloads are base64 in JSON.
const maxBodyBytes = 32 << 20

// Options configures the HTTP surface. Nil middleware is skipped.
type Options struct {
	Auth           *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	AuditLogPath   string
	AuditCapacity  int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app    *app.Application
	log    *logger.Logger
	audit  *auditLog
	stream *eventStream
}

// NewHandler returns the routed API wrapped in its middleware chain.
func NewHandler(application *app.Application, log *logger.Logger, opts Options) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(opts.AuditLogPath)
	if err != nil {
		return nil, err
	}
	h := &handler{
		app:    application,
		log:    log,
		audit:  newAuditLog(opts.AuditCapacity, sink),
		stream: newEventStream(application.Journal, opts.AllowedOrigins, log),
	}

	r := mux.NewRouter()
	r.Use(middleware.Metrics())
	if opts.Auth != nil {
		r.Use(opts.Auth.Handler)
	}
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Handler)
	}
	r.Use(h.auditMiddleware)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/domains", h.listDomains).Methods(http.MethodGet)
	v1.HandleFunc("/domains", h.registerDomain).Methods(http.MethodPost)
	v1.HandleFunc("/domains/{id:[0-9]+}", h.getDomain).Methods(http.MethodGet)
	v1.HandleFunc("/domains/{id:[0-9]+}", h.updateDomain).Methods(http.MethodPatch)
	v1.HandleFunc("/domains/{id:[0-9]+}/estimate", h.estimate).Methods(http.MethodGet)
	v1.HandleFunc("/domains/{id:[0-9]+}/channel", h.channel).Methods(http.MethodGet)
	v1.HandleFunc("/domains/{id:[0-9]+}/pending", h.pending).Methods(http.MethodGet)

	v1.HandleFunc("/compression", h.listProfiles).Methods(http.MethodGet)
	v1.HandleFunc("/compression/{type}", h.compressionStats).Methods(http.MethodGet)
	v1.HandleFunc("/compression/{type}", h.updateCompression).Methods(http.MethodPut)

	v1.HandleFunc("/optimizer", h.optimizerParams).Methods(http.MethodGet)
	v1.HandleFunc("/optimizer", h.updateOptimizer).Methods(http.MethodPut)

	v1.HandleFunc("/orders", h.bridgeOrder).Methods(http.MethodPost)
	v1.HandleFunc("/trades", h.settleTrade).Methods(http.MethodPost)
	v1.HandleFunc("/payloads", h.compressAndBridge).Methods(http.MethodPost)
	v1.HandleFunc("/users/{user}/orders", h.ordersByUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user}/trades", h.tradesByParty).Methods(http.MethodGet)

	v1.HandleFunc("/messages", h.createMessage).Methods(http.MethodPost)
	v1.HandleFunc("/batches", h.createBatch).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", h.getMessage).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/status", h.getStatus).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/status", h.updateStatus).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/history", h.history).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/retry", h.retry).Methods(http.MethodPost)
	v1.HandleFunc("/senders/{sender}/messages", h.messagesBySender).Methods(http.MethodGet)

	v1.HandleFunc("/events", h.stream.serve).Methods(http.MethodGet)
	v1.HandleFunc("/events/recent", h.recentEvents).Methods(http.MethodGet)
	v1.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{
			Code:    "ROUTE_NOT_FOUND",
			Kind:    errors.KindValidation,
			Message: "no such route",
			Details: map[string]interface{}{"path": r.URL.Path},
		})
	})

	var out http.Handler = r
	out = middleware.NewTracingMiddleware(log).Handler(out)
	out = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(out)
	return out, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Domains ---------------------------------------------------------------------

func (h *handler) listDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.app.Registry.ListDomains(r.Context())
	h.respond(w, r, http.StatusOK, domains, err)
}

func (h *handler) registerDomain(w http.ResponseWriter, r *http.Request) {
	var d relay.Domain
	if !h.decode(w, r, &d) {
		return
	}
	created, err := h.app.Registry.RegisterDomain(r.Context(), caller(r), d)
	h.respond(w, r, http.StatusCreated, created, err)
}

func (h *handler) getDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := h.domainID(w, r)
	if !ok {
		return
	}
	d, err := h.app.Registry.GetDomain(r.Context(), id)
	h.respond(w, r, http.StatusOK, d, err)
}

func (h *handler) updateDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := h.domainID(w, r)
	if !ok {
		return
	}
	var upd relay.DomainUpdate
	if !h.decode(w, r, &upd) {
		return
	}
	d, err := h.app.Registry.UpdateDomain(r.Context(), caller(r), id, upd)
	h.respond(w, r, http.StatusOK, d, err)
}

func (h *handler) estimate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.domainID(w, r)
	if !ok {
		return
	}
	size, err := queryUint(r, "size", true)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	side, err := queryBool(r, "side")
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	est, err := h.app.Optimizer.EstimateCost(r.Context(), id, size, side)
	h.respond(w, r, http.StatusOK, est, err)
}

type channelResponse struct {
	DomainID       uint64        `json:"domain_id"`
	PayloadSize    uint64        `json:"payload_size"`
	UseSideChannel bool          `json:"use_side_channel"`
	Channel        relay.Channel `json:"channel"`
}

func (h *handler) channel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.domainID(w, r)
	if !ok {
		return
	}
	size, err := queryUint(r, "size", true)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	side, err := h.app.Optimizer.SelectChannel(r.Context(), id, size)
	resp := channelResponse{DomainID: id, PayloadSize: size, UseSideChannel: side, Channel: relay.ChannelFor(side)}
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	id, ok := h.domainID(w, r)
	if !ok {
		return
	}
	limit, err := queryUint(r, "limit", false)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	msgs, err := h.app.Lifecycle.ListPending(r.Context(), caller(r), id, int(limit))
	h.respond(w, r, http.StatusOK, msgs, err)
}

// Compression and optimizer ---------------------------------------------------

func (h *handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.app.Compression.Profiles(r.Context())
	h.respond(w, r, http.StatusOK, profiles, err)
}

func (h *handler) compressionStats(w http.ResponseWriter, r *http.Request) {
	t, ok := h.payloadType(w, r)
	if !ok {
		return
	}
	profile, err := h.app.Compression.Stats(r.Context(), t)
	h.respond(w, r, http.StatusOK, profile, err)
}

func (h *handler) updateCompression(w http.ResponseWriter, r *http.Request) {
	t, ok := h.payloadType(w, r)
	if !ok {
		return
	}
	var params relay.CompressionParams
	if !h.decode(w, r, &params) {
		return
	}
	profile, err := h.app.Compression.UpdateProfile(r.Context(), caller(r), t, params)
	h.respond(w, r, http.StatusOK, profile, err)
}

func (h *handler) optimizerParams(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.app.Optimizer.Params())
}

func (h *handler) updateOptimizer(w http.ResponseWriter, r *http.Request) {
	var params optimizer.Params
	if !h.decode(w, r, &params) {
		return
	}
	updated, err := h.app.Optimizer.UpdateParams(r.Context(), caller(r), params)
	h.respond(w, r, http.StatusOK, updated, err)
}

// Adapters --------------------------------------------------------------------

func (h *handler) bridgeOrder(w http.ResponseWriter, r *http.Request) {
	var order relay.Order
	if !h.decode(w, r, &order) {
		return
	}
	msg, err := h.app.Bridge.BridgeOrder(r.Context(), caller(r), order)
	h.respond(w, r, http.StatusCreated, msg, err)
}

func (h *handler) settleTrade(w http.ResponseWriter, r *http.Request) {
	var trade relay.Trade
	if !h.decode(w, r, &trade) {
		return
	}
	msg, err := h.app.Bridge.SettleTrade(r.Context(), caller(r), trade)
	h.respond(w, r, http.StatusCreated, msg, err)
}

type payloadRequest struct {
	DomainID    uint64            `json:"domain_id"`
	Payload     []byte            `json:"payload"`
	PayloadType relay.PayloadType `json:"payload_type"`
}

func (h *handler) compressAndBridge(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.app.Bridge.CompressAndBridge(r.Context(), caller(r), req.DomainID, req.Payload, req.PayloadType)
	h.respond(w, r, http.StatusCreated, msg, err)
}

func (h *handler) ordersByUser(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Bridge.OrdersByUser(r.Context(), mux.Vars(r)["user"])
	h.respond(w, r, http.StatusOK, items, err)
}

func (h *handler) tradesByParty(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Bridge.TradesByParty(r.Context(), mux.Vars(r)["user"])
	h.respond(w, r, http.StatusOK, items, err)
}

// Messages --------------------------------------------------------------------

type messageRequest struct {
	DomainID    uint64            `json:"domain_id"`
	Payload     []byte            `json:"payload"`
	PayloadType relay.PayloadType `json:"payload_type,omitempty"`
	// Nonce is optional; without it the sender's next nonce is assigned.
	Nonce *uint64 `json:"nonce,omitempty"`
}

func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	create := lifecycle.CreateRequest{DomainID: req.DomainID, Payload: req.Payload, Type: req.PayloadType}

	var (
		msg relay.Message
		err error
	)
	if req.Nonce != nil {
		create.Nonce = *req.Nonce
		msg, err = h.app.Lifecycle.CreateMessage(r.Context(), caller(r), create)
	} else {
		msg, err = h.app.Lifecycle.Submit(r.Context(), caller(r), create)
	}
	h.respond(w, r, http.StatusCreated, msg, err)
}

type batchRequest struct {
	DomainID   uint64     `json:"domain_id"`
	Recipients []string   `json:"recipients"`
	Payloads   [][]byte   `json:"payloads"`
	Amounts    []*big.Int `json:"amounts"`
}

func (h *handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	msgs, err := h.app.Lifecycle.CreateBatch(r.Context(), caller(r), req.DomainID, req.Recipients, req.Payloads, req.Amounts)
	h.respond(w, r, http.StatusCreated, msgs, err)
}

func (h *handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.app.Lifecycle.GetMessage(r.Context(), mux.Vars(r)["id"])
	h.respond(w, r, http.StatusOK, msg, err)
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.app.Lifecycle.GetStatus(r.Context(), mux.Vars(r)["id"])
	h.respond(w, r, http.StatusOK, view, err)
}

type statusRequest struct {
	Status relay.Status `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, ok := relay.ParseStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if !ok {
		httputil.WriteError(w, r, errors.Invalid("unknown status").WithDetails("status", string(req.Status)))
		return
	}
	msg, err := h.app.Lifecycle.UpdateStatus(r.Context(), caller(r), mux.Vars(r)["id"], status, req.Reason)
	h.respond(w, r, http.StatusOK, msg, err)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	trail, err := h.app.Lifecycle.History(r.Context(), mux.Vars(r)["id"])
	h.respond(w, r, http.StatusOK, trail, err)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	msg, err := h.app.Lifecycle.Retry(r.Context(), caller(r), mux.Vars(r)["id"])
	h.respond(w, r, http.StatusOK, msg, err)
}

func (h *handler) messagesBySender(w http.ResponseWriter, r *http.Request) {
	limit, err := queryUint(r, "limit", false)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	msgs, err := h.app.Lifecycle.ListBySender(r.Context(), mux.Vars(r)["sender"], int(limit))
	h.respond(w, r, http.StatusOK, msgs, err)
}

// Journal and audit -----------------------------------------------------------

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryUint(r, "limit", false)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	n := lifecycle.ReadLimit(int(limit))
	q := r.URL.Query()
	switch {
	case q.Get("message_id") != "":
		httputil.WriteJSON(w, http.StatusOK, h.app.Journal.RecentByMessage(q.Get("message_id"), n))
	case q.Get("type") != "":
		httputil.WriteJSON(w, http.StatusOK, h.app.Journal.RecentByType(events.EventType(q.Get("type")), n))
	default:
		httputil.WriteJSON(w, http.StatusOK, h.app.Journal.Recent(n))
	}
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	if err := auth.Require(caller(r), auth.CapAdmin); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit", false)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.audit.listLimit(int(limit)))
}

// Helpers ---------------------------------------------------------------------

func caller(r *http.Request) auth.Principal {
	return auth.FromContext(r.Context())
}

func (h *handler) respond(w http.ResponseWriter, r *http.Request, status int, data interface{}, err error) {
	if err != nil {
		if errors.KindOf(err) == errors.KindInternal {
			h.log.WithContext(r.Context()).WithError(err).
				WithField("path", r.URL.Path).
				Error("request failed")
		}
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, status, data)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), dst); err != nil {
		httputil.WriteError(w, r, errors.Invalid("malformed request body").WithDetails("reason", err.Error()))
		return false
	}
	return true
}

func (h *handler) domainID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteError(w, r, errors.Invalid("domain id must be an unsigned integer"))
		return 0, false
	}
	return id, true
}

func (h *handler) payloadType(w http.ResponseWriter, r *http.Request) (relay.PayloadType, bool) {
	t := relay.PayloadType(strings.ToLower(mux.Vars(r)["type"]))
	if !t.Valid() {
		httputil.WriteError(w, r, errors.Invalid("unknown payload type").WithDetails("payload_type", string(t)))
		return "", false
	}
	return t, true
}

func queryUint(r *http.Request, key string, required bool) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		if required {
			return 0, errors.Invalid(key + " is required")
		}
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Invalid(key + " must be an unsigned integer").WithDetails(key, raw)
	}
	return v, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Invalid(key + " must be a boolean").WithDetails(key, raw)
	}
	return v, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
