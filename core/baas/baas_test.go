package baas

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/access"
	"github.com/relabs-tech/baas/core/client"
	"github.com/relabs-tech/baas/core/metrics"
	"github.com/relabs-tech/baas/core/resolver"
	"github.com/relabs-tech/baas/core/source"
	"github.com/relabs-tech/baas/core/store"
)

const shopDescriptor = `{
  "name": "shop",
  "baas": {
    "auth": {
      "Token": {"secret": "token-secret", "expires": "1h"},
      "App": {"secret": "app-secret"},
      "Sign": {"secret": "sign-secret", "expires": 60}
    },
    "class": {
      "public": {
        "model": {
          "order": {"curd": ["fetch"], "field": {"tenant": "t1"}}
        }
      },
      "home": {
        "auth": "Token",
        "model": {
          "orders": {
            "curd": ["add", "update", "delete", "fetch"],
            "field": {"tenant": {"expr": "auth.Token.tenant"}}
          },
          "receipts": {
            "auth": "Sign",
            "curd": ["fetch"],
            "field": {"tenant": {"expr": "auth.Token.tenant"}}
          },
          "broken": {"auth": "Missing", "curd": ["fetch"]},
          "readonly": {"curd": ["fetch"]}
        }
      },
      "apps": {
        "auth": ["Token", "App"],
        "model": {"orders": {"curd": ["fetch"]}}
      }
    }
  }
}`

const shopTables = `{
  "tables": [
    {
      "name": "orders",
      "softDelete": true,
      "relations": [{"name": "items", "table": "items", "kind": "has_many", "foreignKey": "order_id"}]
    },
    {"name": "items"}
  ]
}`

type recordingNotifier struct {
	mutex         sync.Mutex
	notifications []core.Notification
	err           error
}

func (n *recordingNotifier) Notify(_ context.Context, notification core.Notification) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.notifications = append(n.notifications, notification)
	return n.err
}

type fixture struct {
	router   *mux.Router
	store    *store.Memory
	notifier *recordingNotifier
	metrics  *metrics.Collector
	resolver *resolver.Cache
}

func newFixture(t *testing.T) *fixture {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "shop"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "shop", source.DefaultFileName), []byte(shopDescriptor), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "blog"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "blog", source.DefaultFileName), []byte(`{"name": "blog"}`), 0o644))

	tables, err := store.ParseTables([]byte(shopTables))
	require.NoError(t, err)

	f := &fixture{
		router:   mux.NewRouter(),
		store:    store.NewMemory(tables),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		resolver: resolver.New(&resolver.Builder{Source: source.NewLocalFilesystem(base)}),
	}
	New(&Builder{
		Router:   f.router,
		Resolver: f.resolver,
		Store:    f.store,
		Notifier: f.notifier,
		Metrics:  f.metrics,
	})
	return f
}

func token(t *testing.T, claims core.Claims, secret string) string {
	tok, err := access.JWTCodec{}.Sign(claims, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) client() client.Client {
	return client.NewWithRouter(f.router)
}

func (f *fixture) home(t *testing.T, tenant, model string) client.Model {
	return f.client().WithCredential("Token", token(t, core.Claims{"tenant": tenant}, "token-secret")).
		Model("shop", "home", model)
}

func statusOf(t *testing.T, err error) (int, string) {
	var e *client.Error
	require.True(t, errors.As(err, &e), "expected a client error, got %v", err)
	return e.Status, e.Message
}

func TestFetchPageIsRestrictedByInjectedFields(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.store.Insert("order", store.Row{"id": i, "tenant": "t1"})
	}
	for i := 15; i < 20; i++ {
		f.store.Insert("order", store.Row{"id": i, "tenant": "t2"})
	}
	orders := f.client().Model("shop", "public", "order")

	var page store.Page
	_, err := orders.FetchPage(1, 10, &page)
	require.NoError(t, err)
	assert.Len(t, page.Rows, 10)
	for _, row := range page.Rows {
		assert.Equal(t, "t1", row["tenant"])
	}
	assert.Equal(t, store.Pagination{Page: 1, PageSize: 10, RowCount: 15, PageCount: 2}, page.Pagination)

	_, err = orders.WithParameter("where[tenant]", "t2").FetchPage(1, 10, &page)
	require.NoError(t, err)
	assert.Empty(t, page.Rows, "request filters cannot widen injected fields")

	var all []store.Row
	_, err = orders.WithParameter("where[id][gte]", "10").FetchAll(&all)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestFetchPageOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.store.Insert("order", store.Row{"id": 1, "tenant": "t1"})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/plugin/baas/shop/public/order/fetchPage?page=4611686018427387904&pageSize=4", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServesWithoutRequestIDMiddleware(t *testing.T) {
	f := newFixture(t)
	f.store.Insert("order", store.Row{"id": 1, "tenant": "t1"})

	router := mux.NewRouter()
	New(&Builder{
		Router:   router,
		Resolver: f.resolver,
		Store:    f.store,
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugin/baas/shop/public/order/fetchAll", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id": 1, "tenant": "t1"}]`, rec.Body.String())
}

func TestUpdateWithoutPermissionIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.store.Insert("order", store.Row{"id": "o1", "tenant": "t1", "status": "open"})

	_, err := f.client().Model("shop", "public", "order").Save(map[string]interface{}{"id": "o1", "status": "hacked"}, nil)
	status, _ := statusOf(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "open", f.store.Rows("order")[0]["status"], "the store is never reached")

	_, err = f.client().Model("shop", "public", "order").Add(map[string]interface{}{"status": "new"}, nil)
	status, _ = statusOf(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Empty(t, f.notifier.notifications)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	tests := map[string]client.Model{
		"missing":       f.client().Model("shop", "home", "orders"),
		"wrong secret":  f.client().WithCredential("Token", token(t, core.Claims{}, "app-secret")).Model("shop", "home", "orders"),
		"garbage":       f.client().WithQueryCredential("Token", "garbage").Model("shop", "home", "orders"),
		"unknown class": f.client().Model("shop", "admin", "orders"),
		"unknown model": f.home(t, "t1", "users"),
		"second scheme": f.client().WithCredential("Token", token(t, core.Claims{}, "token-secret")).Model("shop", "apps", "orders"),
		"signing":       f.home(t, "t1", "broken"),
		"missing claim": f.client().WithCredential("Token", token(t, core.Claims{"uid": "u1"}, "token-secret")).Model("shop", "home", "orders"),
	}
	for name, model := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := model.FetchAll(nil)
			status, message := statusOf(t, err)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, "unauthorized", message)
		})
	}

	both := f.client().
		WithCredential("Token", token(t, core.Claims{}, "token-secret")).
		WithQueryCredential("App", token(t, core.Claims{}, "app-secret")).
		Model("shop", "apps", "orders")
	var rows []store.Row
	_, err := both.FetchAll(&rows)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNotSupported(t *testing.T) {
	f := newFixture(t)
	for _, module := range []string{"blog", "missing"} {
		_, err := f.client().Model(module, "public", "order").FetchAll(nil)
		status, _ := statusOf(t, err)
		assert.Equal(t, http.StatusNotFound, status, module)
	}
}

func TestRouting(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugin/baas/shop/public/order/list", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plugin/baas/shop/public/order/fetch", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugin/baas/shop/public/order/add", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugin/baas/shop/public/order/fetchAll", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestSaveInjectsFields(t *testing.T) {
	f := newFixture(t)
	orders := f.home(t, "t9", "orders")

	var created store.Row
	_, err := orders.Add(map[string]interface{}{"tenant": "evil", "status": "new"}, &created)
	require.NoError(t, err)
	assert.Equal(t, "t9", created["tenant"], "injected fields override the body")
	id := created["id"]
	require.NotEmpty(t, id)

	var updated store.Row
	_, err = orders.Update(map[string]interface{}{"id": id, "tenant": "evil", "status": "paid"}, &updated)
	require.NoError(t, err)
	assert.Equal(t, "paid", updated["status"])
	assert.Equal(t, "t9", updated["tenant"])

	_, err = f.home(t, "t8", "orders").Save(map[string]interface{}{"id": id, "status": "stolen"}, nil)
	status, _ := statusOf(t, err)
	assert.Equal(t, http.StatusNotFound, status, "rows of other tenants cannot be updated")

	require.Len(t, f.notifier.notifications, 2)
	assert.Equal(t, core.OperationCreate, f.notifier.notifications[0].Operation)
	assert.Equal(t, core.OperationUpdate, f.notifier.notifications[1].Operation)
	assert.Equal(t, "home", f.notifier.notifications[1].Class)
	assert.Contains(t, string(f.notifier.notifications[1].Payload), `"paid"`)
}

func TestSaveRejectsInvalidBodies(t *testing.T) {
	f := newFixture(t)
	orders := f.home(t, "t9", "orders")
	for _, body := range []string{`[1, 2]`, `"text"`, `{"broken":`, ``} {
		_, err := orders.Save([]byte(body), nil)
		status, _ := statusOf(t, err)
		assert.Equal(t, http.StatusBadRequest, status, body)
	}
}

func TestNotifierFailureDoesNotFailCommittedSave(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")
	var created store.Row
	_, err := f.home(t, "t9", "orders").Save(map[string]interface{}{"status": "new"}, &created)
	require.NoError(t, err)
	assert.Len(t, f.store.Rows("orders"), 1)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.store.Insert("orders",
		store.Row{"id": "o1", "tenant": "t1", "status": "new"},
		store.Row{"id": "o2", "tenant": "t1", "status": "new"},
		store.Row{"id": "o3", "tenant": "t2", "status": "new"},
		store.Row{"id": "o4", "tenant": "t1", "status": "paid"},
	)
	orders := f.home(t, "t1", "orders")

	var deleted []store.Row
	_, err := orders.WithParameter("where[status]", "new").WithParameter("orderBy", "id").Delete(&deleted)
	require.NoError(t, err)
	require.Len(t, deleted, 2)
	assert.Equal(t, "o1", deleted[0]["id"])
	assert.Nil(t, deleted[0]["deleted_at"], "the prior state is returned")

	_, err = orders.WithParameter("where[status]", "new").Delete(nil)
	status, _ := statusOf(t, err)
	assert.Equal(t, http.StatusNotFound, status, "nothing left to delete")

	var visible, withDeleted []store.Row
	_, err = orders.FetchAll(&visible)
	require.NoError(t, err)
	assert.Len(t, visible, 1)
	_, err = orders.WithParameter("deleted", "true").FetchAll(&withDeleted)
	require.NoError(t, err)
	assert.Len(t, withDeleted, 3)
	assert.Len(t, f.store.Rows("orders"), 4, "soft delete keeps rows")

	_, err = orders.WithParameter("where[id]", "o4").WithParameter("forceDelete", "true").Delete(nil)
	require.NoError(t, err)
	assert.Len(t, f.store.Rows("orders"), 3)

	_, err = orders.WithParameter("forceDelete", "maybe").Delete(nil)
	status, _ = statusOf(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = f.home(t, "t1", "readonly").Delete(nil)
	status, _ = statusOf(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	last := f.notifier.notifications[len(f.notifier.notifications)-1]
	assert.Equal(t, core.OperationDelete, last.Operation)
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	f.store.Insert("orders",
		store.Row{"id": "o1", "tenant": "t1", "total": 10},
		store.Row{"id": "o2", "tenant": "t1", "total": 20},
	)
	f.store.Insert("items",
		store.Row{"id": "i1", "order_id": "o2", "qty": 1},
		store.Row{"id": "i2", "order_id": "o2", "qty": 5},
	)
	orders := f.home(t, "t1", "orders")

	var row store.Row
	_, err := orders.WithParameter("orderBy", "-total").Fetch(&row)
	require.NoError(t, err)
	assert.Equal(t, "o2", row["id"])

	var none store.Row
	_, err = orders.WithParameter("where[id]", "nope").Fetch(&none)
	require.NoError(t, err)
	assert.Nil(t, none)

	var related store.Row
	_, err = orders.
		WithParameter("where[id]", "o2").
		WithParameter("withRelated[items][where][qty][gt]", "2").
		Fetch(&related)
	require.NoError(t, err)
	items, ok := related["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "i2", items[0].(map[string]interface{})["id"])

	for _, param := range [][2]string{{"deleted", "maybe"}, {"where[na-me]", "x"}, {"withRelated", "unknown"}} {
		_, err = orders.WithParameter(param[0], param[1]).FetchAll(nil)
		status, _ := statusOf(t, err)
		assert.Equal(t, http.StatusBadRequest, status, param[0])
	}

	_, err = f.client().WithCredential("Token", token(t, core.Claims{"tenant": "t1"}, "token-secret")).
		RawGet(orders.Path(core.ActionFetchPage), nil)
	status, message := statusOf(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, message, "pageSize")
}

func TestSignedFetch(t *testing.T) {
	f := newFixture(t)
	f.store.Insert("receipts", store.Row{"id": "r1", "tenant": "t1", "amount": 12})
	receipts := f.home(t, "t1", "receipts")

	var signed string
	_, err := receipts.Fetch(&signed)
	require.NoError(t, err)
	claims, err := access.JWTCodec{}.Verify(signed, "sign-secret")
	require.NoError(t, err)
	assert.Equal(t, "r1", claims["id"])
	assert.Contains(t, claims, "exp")

	var page string
	_, err = receipts.FetchPage(1, 5, &page)
	require.NoError(t, err)
	claims, err = access.JWTCodec{}.Verify(page, "sign-secret")
	require.NoError(t, err)
	assert.Contains(t, claims, "rows")

	_, err = receipts.FetchAll(nil)
	status, message := statusOf(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, message, "array")

	var empty []store.Row
	_, err = f.home(t, "t2", "receipts").FetchAll(&empty)
	require.NoError(t, err, "empty results are not signed")
	assert.Empty(t, empty)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	_, err := f.client().Model("shop", "public", "order").FetchAll(nil)
	require.NoError(t, err)
	_, err = f.client().Model("shop", "home", "orders").FetchAll(nil)
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues("shop", "fetchAll", metrics.OutcomeOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues("shop", "fetchAll", string(core.KindUnauthorized))))
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	router := mux.NewRouter()
	New(&Builder{
		Router:   router,
		Resolver: resolver.New(&resolver.Builder{Source: source.NewLocalFilesystem(t.TempDir())}),
		Store:    f.store,
		CORS:     true,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/plugin/baas/shop/home/orders/save", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/plugin/baas/shop/home/orders/save", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "preflights are not answered without CORS")
}

func TestNewPanicsWithoutCollaborators(t *testing.T) {
	assert.Panics(t, func() { New(&Builder{}) })
	assert.Panics(t, func() { New(&Builder{Router: mux.NewRouter()}) })
}
