package descriptor

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/baas/core"
)

const shopDescriptor = `{
  "baas": {
    "auth": {
      "Token": {"secret": "token-secret", "expires": "7 days"},
      "App": {"secret": "app-secret"}
    },
    "class": {
      "public": {
        "model": {
          "order": {
            "curd": ["fetch"],
            "field": {"tenant": "t1"}
          }
        }
      },
      "home": {
        "auth": ["App", "Token", "App"],
        "model": {
          "todos": {
            "auth": "Token",
            "curd": ["add", "update", "delete", "fetch"],
            "field": {
              "owner_id": {"expr": "auth.Token.uid"},
              "app_id": {"func": "appID"},
              "limits": {"max": 10, "min": 1},
              "count": 3
            }
          }
        }
      },
      "single": {
        "auth": "Token"
      }
    }
  }
}`

func testFunctions() Functions {
	return Functions{
		"appID": func(ctx context.Context, rc *RequestContext) (interface{}, error) {
			claims, _ := rc.Credentials.Scheme("App")
			return claims["app_id"], nil
		},
	}
}

func TestParse(t *testing.T) {
	module, err := Parse("shop", []byte(shopDescriptor), testFunctions())
	require.NoError(t, err)

	assert.Equal(t, "shop", module.Name)
	token, ok := module.Scheme("Token")
	require.True(t, ok)
	assert.Equal(t, "token-secret", token.Secret)
	assert.Equal(t, 7*24*time.Hour, token.Expires)
	app, ok := module.Scheme("App")
	require.True(t, ok)
	assert.Zero(t, app.Expires)

	home, err := module.Class("home")
	require.NoError(t, err)
	assert.Equal(t, []string{"App", "Token"}, home.Auth, "duplicates are dropped, order is kept")

	single, err := module.Class("single")
	require.NoError(t, err)
	assert.Equal(t, []string{"Token"}, single.Auth)

	public, err := module.Class("public")
	require.NoError(t, err)
	assert.Empty(t, public.Auth)

	todos, err := home.Model("todos")
	require.NoError(t, err)
	assert.Equal(t, "Token", todos.Auth)
	assert.True(t, todos.Permits(core.PermissionUpdate))
	assert.IsType(t, &Expression{}, todos.Fields["owner_id"])
	assert.IsType(t, &Function{}, todos.Fields["app_id"])
	assert.IsType(t, Constant{}, todos.Fields["limits"], "objects with other keys are constants")
	assert.False(t, todos.Fields["count"].Computed())

	order, err := public.Model("order")
	require.NoError(t, err)
	assert.False(t, order.Permits(core.PermissionUpdate))
	assert.True(t, order.Permits(core.PermissionFetch))
}

func TestResolveFailures(t *testing.T) {
	module, err := Parse("shop", []byte(shopDescriptor), testFunctions())
	require.NoError(t, err)

	_, err = module.Class("admin")
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
	assert.Equal(t, "unauthorized", core.AsError(err).Message, "the missing name must not leak")

	public, _ := module.Class("public")
	_, err = public.Model("users")
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
	assert.Equal(t, "unauthorized", core.AsError(err).Message)
}

func TestParseNotSupported(t *testing.T) {
	_, err := Parse("blog", []byte(`{"name": "blog"}`), nil)
	assert.Equal(t, core.KindNotSupported, core.KindOf(err))

	_, err = Parse("blog", []byte(`{"baas": null}`), nil)
	assert.Equal(t, core.KindNotSupported, core.KindOf(err))
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"baas":`,
		"unknown key":     `{"baas": {"classes": {}}}`,
		"bad curd":        `{"baas": {"class": {"c": {"model": {"m": {"curd": ["list"]}}}}}}`,
		"missing secret":  `{"baas": {"auth": {"Token": {"expires": 60}}}}`,
		"bad auth list":   `{"baas": {"class": {"c": {"auth": 7}}}}`,
		"bad expression":  `{"baas": {"class": {"c": {"model": {"m": {"field": {"f": {"expr": "auth.("}}}}}}}}`,
		"unknown func":    `{"baas": {"class": {"c": {"model": {"m": {"field": {"f": {"func": "nope"}}}}}}}}`,
		"bad expires":     `{"baas": {"auth": {"Token": {"secret": "s", "expires": "soon"}}}}`,
		"unknown model k": `{"baas": {"class": {"c": {"model": {"m": {"fields": {}}}}}}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("m", []byte(doc), nil)
			require.Error(t, err)
			assert.NotEqual(t, core.KindNotSupported, core.KindOf(err))
		})
	}
}

func TestInjectedFields(t *testing.T) {
	module, err := Parse("shop", []byte(shopDescriptor), testFunctions())
	require.NoError(t, err)
	home, _ := module.Class("home")
	todos, _ := home.Model("todos")

	rc := &RequestContext{
		Module: "shop", Class: "home", Model: "todos",
		Credentials: core.Credentials{
			"Token": core.Claims{"uid": "u-7"},
			"App":   core.Claims{"app_id": "a-1"},
		},
		Query:  url.Values{},
		Header: http.Header{},
	}
	fields, err := todos.InjectedFields(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "u-7", fields["owner_id"])
	assert.Equal(t, "a-1", fields["app_id"])
	assert.Equal(t, int64(3), fields["count"])
	assert.Equal(t, map[string]interface{}{"max": float64(10), "min": float64(1)}, fields["limits"])
}

func TestExpressionEnvironment(t *testing.T) {
	doc := `{"baas": {"class": {"c": {"model": {"m": {"field": {
		"q": {"expr": "query.tenant"},
		"h": {"expr": "header['X-Tenant']"},
		"b": {"expr": "body.kind + '-' + model"},
		"u": {"expr": "len(uuid())"}
	}}}}}}}`
	module, err := Parse("x", []byte(doc), nil)
	require.NoError(t, err)
	c, _ := module.Class("c")
	m, _ := c.Model("m")

	rc := &RequestContext{
		Model:  "m",
		Query:  url.Values{"tenant": {"t9", "t10"}},
		Header: http.Header{"X-Tenant": {"h1"}},
		Body:   map[string]interface{}{"kind": "note"},
	}
	fields, err := m.InjectedFields(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "t9", fields["q"])
	assert.Equal(t, "h1", fields["h"])
	assert.Equal(t, "note-m", fields["b"])
	assert.Equal(t, int64(36), fields["u"])
}

func TestInjectedFieldsError(t *testing.T) {
	boom := errors.New("boom")
	doc := `{"baas": {"class": {"c": {"model": {"m": {"field": {"f": {"func": "fail"}}}}}}}}`
	module, err := Parse("x", []byte(doc), Functions{
		"fail": func(context.Context, *RequestContext) (interface{}, error) { return nil, boom },
	})
	require.NoError(t, err)
	c, _ := module.Class("c")
	m, _ := c.Model("m")

	_, err = m.InjectedFields(context.Background(), &RequestContext{})
	assert.ErrorIs(t, err, boom)
}

func TestInjectedFieldsMissingClaim(t *testing.T) {
	doc := `{"baas": {"class": {"c": {"model": {"m": {"field": {
		"tenant": {"expr": "auth.Token.tenant"},
		"archived": null
	}}}}}}}`
	module, err := Parse("x", []byte(doc), nil)
	require.NoError(t, err)
	c, _ := module.Class("c")
	m, _ := c.Model("m")

	rc := &RequestContext{Credentials: core.Credentials{"Token": core.Claims{"uid": "u1"}}}
	_, err = m.InjectedFields(context.Background(), rc)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err), "a missing claim must not restrict to NULL")

	rc.Credentials["Token"]["tenant"] = "t1"
	fields, err := m.InjectedFields(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "t1", fields["tenant"])
	assert.Contains(t, fields, "archived")
	assert.Nil(t, fields["archived"], "null constants are kept")
}

func TestParseExpires(t *testing.T) {
	tests := map[string]time.Duration{
		`null`:         0,
		`""`:           0,
		`3600`:         time.Hour,
		`"60"`:         time.Minute,
		`"7 days"`:     7 * 24 * time.Hour,
		`"7d"`:         7 * 24 * time.Hour,
		`"2h"`:         2 * time.Hour,
		`"1h30m"`:      90 * time.Minute,
		`"30 minutes"`: 30 * time.Minute,
		`"1 week"`:     7 * 24 * time.Hour,
		`"1.5 hours"`:  90 * time.Minute,
	}
	for raw, want := range tests {
		got, err := ParseExpires(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{`"soon"`, `-1`, `true`, `"-5m"`} {
		_, err := ParseExpires(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
	got, err := ParseExpires(nil)
	assert.NoError(t, err)
	assert.Zero(t, got)
}
