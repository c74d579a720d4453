package lp

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	lpmarshaller "github.com/shivay/dispatch-service/internal/handler/marshaller/lp"
	"github.com/shivay/dispatch-service/internal/service"
)

// maxBatch bounds the events returned by one poll.
const maxBatch = 256

type LPHandler struct {
	deliverer service.Deliverer
	logger    *slog.Logger
	timeout   time.Duration
}

func NewLPHandler(deliverer service.Deliverer, logger *slog.Logger, timeout time.Duration) *LPHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LPHandler{
		deliverer: deliverer,
		logger:    logger,
		timeout:   timeout,
	}
}

// Poll answers GET /v1/events. It replays everything after the request's
// cursors and returns at once, or holds the request until the first live
// event or the wait deadline (204).
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	req, wait, err := parsePoll(r.URL.Query(), h.timeout)
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	_, resume, err := req.Resolve()
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	// 1. Temporary subscriber, alive for this request only.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := h.deliverer.Connect(ctx, httpsrv.ObserverID(r), httpsrv.ConnectMetadata(r, "lp"))
	defer h.deliverer.Disconnect(conn)

	ack, err := h.deliverer.Subscribe(conn, req)
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	// 2. Cursors start where the caller asked, or at the current head.
	cursors := make(map[string]uint64, len(ack.Topics))
	for _, name := range ack.Topics {
		topic := event.Topic(name)
		if seq, ok := resume[topic]; ok {
			cursors[name] = seq
		} else {
			cursors[name] = h.deliverer.Head(topic)
		}
	}

	// 3. Replayed events are already queued behind the handshake frames.
	events := collect(conn, nil)
	if len(events) == 0 && len(ack.Gaps) == 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

	hold:
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				w.WriteHeader(http.StatusNoContent)
				return
			case ev, ok := <-conn.Recv():
				if !ok {
					httpsrv.WriteError(w, model.Unavailablef("session closed by server"))
					return
				}
				if ev.GetKind().IsSystem() {
					continue
				}
				events = collect(conn, append(events, ev))
				break hold
			}
		}
	}

	// 4. Final transmission.
	data, err := lpmarshaller.MarshallEvents(events, ack.Gaps, cursors)
	if err != nil {
		h.logger.Error("LP_MARSHAL_FAILED", "err", err)
		httpsrv.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// collect drains what is already buffered, skipping transport frames.
func collect(conn registry.Connector, events []event.Eventer) []event.Eventer {
	for len(events) < maxBatch {
		select {
		case ev, ok := <-conn.Recv():
			if !ok {
				return events
			}
			if !ev.GetKind().IsSystem() {
				events = append(events, ev)
			}
		default:
			return events
		}
	}
	return events
}

// parsePoll reads topics (comma separated or repeated), from_sequence,
// cursor=<topic>:<seq> pairs and wait (a duration or whole seconds).
func parsePoll(q url.Values, limit time.Duration) (service.SubscribeRequest, time.Duration, error) {
	var req service.SubscribeRequest
	for _, raw := range q["topics"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Topics = append(req.Topics, t)
			}
		}
	}

	if raw := q.Get("from_sequence"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return req, 0, model.Validationf("from_sequence must be a non-negative integer")
		}
		req.FromSequence = &seq
	}

	for _, raw := range q["cursor"] {
		i := strings.LastIndexByte(raw, ':')
		if i <= 0 {
			return req, 0, model.Validationf("cursor %q must be <topic>:<seq>", raw)
		}
		seq, err := strconv.ParseUint(raw[i+1:], 10, 64)
		if err != nil {
			return req, 0, model.Validationf("cursor %q must be <topic>:<seq>", raw)
		}
		if req.Cursors == nil {
			req.Cursors = make(map[string]uint64)
		}
		req.Cursors[raw[:i]] = seq
	}

	wait := limit
	if raw := q.Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			secs, serr := strconv.Atoi(raw)
			if serr != nil {
				return req, 0, model.Validationf("wait must be a duration")
			}
			d = time.Duration(secs) * time.Second
		}
		if d < 0 {
			return req, 0, model.Validationf("wait must not be negative")
		}
		wait = min(d, limit)
	}
	return req, wait, nil
}
