package baas

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/access"
	"github.com/relabs-tech/baas/core/descriptor"
	"github.com/relabs-tech/baas/core/logger"
	"github.com/relabs-tech/baas/core/metrics"
	"github.com/relabs-tech/baas/core/query"
	"github.com/relabs-tech/baas/core/resolver"
	"github.com/relabs-tech/baas/core/store"
)

// DefaultPathPrefix is the route prefix used when the builder does not set one
const DefaultPathPrefix = "/plugin/baas"

// Backend is the configuration driven rest backend
type Backend struct {
	resolver *resolver.Cache
	store    store.Store
	gate     *access.Gate
	signer   *access.Signer
	notifier core.Notifier
	metrics  *metrics.Collector
	prefix   string
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Resolver provides the module descriptors. This is mandatory.
	Resolver *resolver.Cache
	// Store is the persistence engine. This is mandatory.
	Store store.Store
	// Codec verifies and signs tokens. The default is HS256 JWT.
	Codec access.Codec
	// Notifier receives committed mutations. This is optional.
	Notifier core.Notifier
	// Metrics records requests. This is optional.
	Metrics *metrics.Collector
	// PathPrefix is the prefix of all routes, DefaultPathPrefix if empty
	PathPrefix string
	// CORS enables cross origin requests from every origin
	CORS bool
}

// New realizes the backend and adds its route to the router
func New(bb *Builder) *Backend {
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Resolver == nil {
		panic("Resolver is missing")
	}
	if bb.Store == nil {
		panic("Store is missing")
	}
	prefix := strings.TrimSuffix(bb.PathPrefix, "/")
	if prefix == "" {
		prefix = DefaultPathPrefix
	}
	b := &Backend{
		resolver: bb.Resolver,
		store:    bb.Store,
		gate:     access.NewGate(bb.Codec),
		signer:   access.NewSigner(bb.Codec),
		notifier: bb.Notifier,
		metrics:  bb.Metrics,
		prefix:   prefix,
	}

	if bb.CORS {
		handleCORS(bb.Router)
	}
	route := prefix + "/{module}/{class}/{model}/{action}"
	logger.Default().Infoln("baas: handle route", route)
	bb.Router.Handle(route, handlers.CompressHandler(http.HandlerFunc(b.handle)))
	return b
}

// PathPrefix returns the prefix of all routes
func (b *Backend) PathPrefix() string {
	return b.prefix
}

// request is everything the executors need. It is owned by a single request.
type request struct {
	module   *descriptor.Module
	class    *descriptor.Class
	model    *descriptor.Model
	action   core.Action
	query    map[string][]string
	body     map[string]interface{}
	injected map[string]interface{}
	filter   *query.Filter
}

func (b *Backend) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	params := mux.Vars(r)
	moduleName, className, modelName, actionName := params["module"], params["class"], params["model"], params["action"]
	ctx, rlog := logger.ContextWithLoggerFields(r.Context(), logrus.Fields{
		"module": moduleName,
		"class":  className,
		"model":  modelName,
		"action": actionName,
	})
	rlog.Infoln("called route for", r.URL.Path, r.Method)

	action, ok := core.ParseAction(actionName)
	if !ok {
		b.metrics.ObserveRequest(moduleName, "unknown", string(core.KindNotSupported), time.Since(start))
		http.Error(w, "unsupported action "+actionName, http.StatusNotFound)
		return
	}
	if r.Method != action.Method() {
		b.metrics.ObserveRequest(moduleName, actionName, "MethodNotAllowed", time.Since(start))
		w.Header().Set("Allow", action.Method())
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := b.serve(ctx, r, moduleName, className, modelName, action)
	if err != nil {
		e := core.AsError(err)
		b.metrics.ObserveRequest(moduleName, actionName, string(e.Kind), time.Since(start))
		if e.Err != nil {
			rlog.WithError(e.Err).Infoln("request failed:", e.Message)
		} else {
			rlog.Infoln("request failed:", e.Message)
		}
		http.Error(w, e.Message, e.Status())
		return
	}

	jsonData, err := json.MarshalWithOption(result, json.DisableHTMLEscape())
	if err != nil {
		rlog.WithError(err).Errorf("Error 4901: cannot encode result")
		b.metrics.ObserveRequest(moduleName, actionName, string(core.KindInternal), time.Since(start))
		http.Error(w, "Error 4901", http.StatusInternalServerError)
		return
	}
	b.metrics.ObserveRequest(moduleName, actionName, metrics.OutcomeOK, time.Since(start))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(jsonData)
}

// serve runs the pipeline of a request up to the executor
func (b *Backend) serve(ctx context.Context, r *http.Request, moduleName, className, modelName string, action core.Action) (interface{}, error) {
	module, err := b.resolver.Module(ctx, moduleName)
	if err != nil {
		return nil, err
	}
	class, err := module.Class(className)
	if err != nil {
		return nil, err
	}
	urlQuery := r.URL.Query()
	credentials, err := b.gate.Authorize(ctx, module, class, urlQuery, r.Header)
	if err != nil {
		return nil, err
	}
	ctx = credentials.ContextWithCredentials(ctx)
	model, err := class.Model(modelName)
	if err != nil {
		return nil, err
	}

	req := &request{
		module: module,
		class:  class,
		model:  model,
		action: action,
		query:  urlQuery,
	}
	if action.Group() == core.GroupSave {
		if req.body, err = decodeBody(r); err != nil {
			return nil, err
		}
	}

	rc := &descriptor.RequestContext{
		Module:      module.Name,
		Class:       class.Name,
		Model:       model.Name,
		Credentials: credentials,
		Query:       urlQuery,
		Header:      r.Header,
		Body:        req.body,
	}
	req.injected, err = model.InjectedFields(ctx, rc)
	if core.KindOf(err) == core.KindUnauthorized {
		logger.FromContext(ctx).WithError(err).Info("missing value for injected field")
		return nil, err
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 4902: cannot compute injected fields")
		return nil, core.WrapError(core.KindInternal, "cannot compute injected fields", err)
	}

	req.filter, err = query.ParseFilter(query.Parse(r.URL.RawQuery))
	if err != nil {
		return nil, err
	}

	switch action.Group() {
	case core.GroupSave:
		return b.save(ctx, req)
	case core.GroupDelete:
		return b.delete(ctx, req)
	default:
		return b.fetch(ctx, req)
	}
}

func decodeBody(r *http.Request) (map[string]interface{}, error) {
	var body interface{}
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&body); err != nil {
		return nil, core.WrapError(core.KindBadRequest, "invalid request body", err)
	}
	object, ok := body.(map[string]interface{})
	if !ok {
		return nil, core.NewError(core.KindBadRequest, "request body must be a JSON object")
	}
	return object, nil
}
