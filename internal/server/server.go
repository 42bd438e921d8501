package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	engine "github.com/hanpama/planexec/internal/engine"
	eventbus "github.com/hanpama/planexec/internal/eventbus"
	events "github.com/hanpama/planexec/internal/events"
	logging "github.com/hanpama/planexec/internal/logging"
	plan "github.com/hanpama/planexec/internal/plan"
	qerrors "github.com/hanpama/planexec/internal/qerrors"
	queryid "github.com/hanpama/planexec/internal/queryid"
	storage "github.com/hanpama/planexec/internal/storage"
)

// QueryIDHeader carries the query id in both directions. A client may pick
// the id; otherwise the server assigns one.
const QueryIDHeader = "X-Query-Id"

// Handler is an http.Handler that executes and explains serialized plans
// against one snapshot.
type Handler struct {
	snap storage.Snapshot
	eng  engine.Options
	opt  Options
	mux  *http.ServeMux
}

type Options struct {
	// Timeout is the query timeout used when a request names none.
	// 0 means no timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// BatchSize overrides the engine batch size when positive.
	BatchSize int

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithBatchSize(n int) Option         { return func(o *Options) { o.BatchSize = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a handler serving /execute, /explain and /metrics.
func New(snap storage.Snapshot, eng engine.Options, opts ...Option) *Handler {
	op := Options{MaxBodyBytes: 1 << 20}
	for _, f := range opts {
		f(&op)
	}
	if op.BatchSize > 0 {
		eng.BatchSize = op.BatchSize
	}
	h := &Handler{snap: snap, eng: eng, opt: op, mux: http.NewServeMux()}
	h.mux.Handle("POST /execute", h.instrument("/execute", h.execute))
	h.mux.Handle("POST /explain", h.instrument("/explain", h.explain))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// instrument assigns the query id and publishes the HTTP events around fn.
func (h *Handler) instrument(route string, fn func(context.Context, http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(QueryIDHeader); id != "" {
			ctx = queryid.WithID(ctx, id)
		} else {
			ctx, _ = queryid.NewContext(ctx)
		}
		qid, _ := queryid.FromContext(ctx)
		w.Header().Set(QueryIDHeader, qid)

		rec := &recorder{ResponseWriter: w}
		start := time.Now()
		eventbus.Publish(ctx, events.HTTPStart{Request: r, Route: route})
		defer func() {
			eventbus.Publish(ctx, events.HTTPFinish{
				Request:  r,
				Route:    route,
				Status:   rec.status,
				Bytes:    rec.bytes,
				Duration: time.Since(start),
			})
		}()
		fn(ctx, rec, r)
	})
}

// ------------------ Request parsing ------------------

// Request is the body of /execute and /explain.
type Request struct {
	Plan json.RawMessage `json:"plan"`
	// Timeout overrides the server default, e.g. "250ms".
	Timeout string `json:"timeout,omitempty"`
}

type badRequest struct {
	status  int
	message string
}

func (e *badRequest) Error() string { return e.message }

func parseRequest(r *http.Request, maxBody int64) (*plan.Plan, time.Duration, error) {
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, &badRequest{http.StatusBadRequest, "failed to read body"}
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, 0, &badRequest{http.StatusRequestEntityTooLarge, errBodyTooLargeMessage}
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, 0, &badRequest{http.StatusBadRequest, "invalid JSON"}
	}
	if len(req.Plan) == 0 {
		return nil, 0, &badRequest{http.StatusBadRequest, "missing 'plan'"}
	}
	var timeout time.Duration
	if req.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Timeout); err != nil || timeout < 0 {
			return nil, 0, &badRequest{http.StatusBadRequest, "invalid 'timeout'"}
		}
	}
	p, err := plan.UnmarshalPlan(req.Plan)
	if err != nil {
		return nil, 0, err
	}
	return p, timeout, nil
}

// ------------------ Handlers ------------------

func (h *Handler) execute(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	p, timeout, err := parseRequest(r, h.opt.MaxBodyBytes)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := plan.EnsurePrepared(p); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if timeout == 0 {
		timeout = h.opt.Timeout
	}
	ctx, q := engine.NewQuery(ctx, p, timeout)
	e, err := engine.New(q, h.snap, h.eng)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	res, err := e.Execute(ctx)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res, h.opt.Pretty)
}

func (h *Handler) explain(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	p, _, err := parseRequest(r, h.opt.MaxBodyBytes)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if err := plan.EnsurePrepared(p); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	p.SetTransaction(h.snap)
	out, err := plan.MarshalPlan(p, plan.SerializeDetails|plan.SerializeEstimates|plan.SerializeParents, h.opt.Pretty)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// ------------------ Response formatting ------------------

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var status int
	detail := errorDetail{Message: err.Error()}
	if br, ok := err.(*badRequest); ok {
		status = br.status
		detail.Kind = "bad-request"
		detail.Code = "InvalidArgument"
	} else {
		status = qerrors.HTTPStatus(err)
		detail.Kind = qerrors.KindOf(err).String()
		detail.Code = qerrors.GRPCCode(err).String()
	}
	log := logging.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "error", err)
	} else {
		log.Debug("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: detail}, h.opt.Pretty)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
