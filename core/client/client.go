// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the baas routes

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests.

	orders := client.NewWithRouter(router).
		WithCredential("Token", token).
		Model("shop", "home", "orders")

	var order map[string]interface{}
	_, err := orders.Add(map[string]interface{}{"status": "new"}, &order)

	var open []map[string]interface{}
	_, err = orders.WithParameter("where[status]", "open").FetchAll(&open)
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/baas/core"
)

// DefaultPathPrefix is the route prefix of a backend without a custom prefix
const DefaultPathPrefix = "/plugin/baas"

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	prefix     string
	ctx        context.Context

	defaultHeaders map[string]string
	parameters     []string
}

// Error is a response with a status other than http.StatusOK
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("handler returned status %d: %s", e.Status, e.Message)
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		prefix:         DefaultPathPrefix,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		prefix:         DefaultPathPrefix,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	// we want a true copy to avoid side effects
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithCredential returns a new client which sends a token for an auth scheme
// as request header
func (c Client) WithCredential(scheme, token string) Client {
	return c.WithHeader(scheme, token)
}

// WithQueryCredential returns a new client which sends a token for an auth
// scheme as query parameter
func (c Client) WithQueryCredential(scheme, token string) Client {
	c.parameters = append(append([]string{}, c.parameters...), url.QueryEscape(scheme)+"="+url.QueryEscape(token))
	return c
}

// WithPathPrefix returns a new client for a backend with a custom path prefix
func (c Client) WithPathPrefix(prefix string) Client {
	c.prefix = strings.TrimSuffix(prefix, "/")
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Model represents the routes of a model
type Model struct {
	client     Client
	path       string
	parameters []string
}

// Model returns a new model client
func (c Client) Model(module, class, model string) Model {
	return Model{
		client:     c,
		path:       c.prefix + "/" + module + "/" + class + "/" + model,
		parameters: c.parameters,
	}
}

// WithParameter returns a new model client with a URL parameter added.
func (m Model) WithParameter(key string, value string) Model {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	// we want a true copy to avoid side effects
	m.parameters = append(append([]string{}, m.parameters...), parameter)
	return m
}

// WithParameters returns a new model client with all URL parameters added.
func (m Model) WithParameters(values url.Values) Model {
	parameters := append([]string{}, m.parameters...)
	for key, list := range values {
		for _, value := range list {
			parameters = append(parameters, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	m.parameters = parameters
	return m
}

// Path returns the path of an action plus optional query strings
func (m Model) Path(action core.Action) string {
	path := m.path + "/" + string(action)
	if len(m.parameters) > 0 {
		path += "?" + strings.Join(m.parameters, "&")
	}
	return path
}

// Add inserts or updates body, see Save.
func (m Model) Add(body interface{}, result interface{}) (int, error) {
	return m.client.RawPost(m.Path(core.ActionAdd), body, result)
}

// Save inserts body, or updates the row it identifies by primary key.
//
// The operation corresponds to a POST request.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (m Model) Save(body interface{}, result interface{}) (int, error) {
	return m.client.RawPost(m.Path(core.ActionSave), body, result)
}

// Update inserts or updates body, see Save.
func (m Model) Update(body interface{}, result interface{}) (int, error) {
	return m.client.RawPost(m.Path(core.ActionUpdate), body, result)
}

// Delete deletes all rows matching the parameters. The result are the deleted rows.
func (m Model) Delete(result interface{}) (int, error) {
	return m.client.RawGet(m.Path(core.ActionDelete), result)
}

// Fetch reads the first row matching the parameters, result stays untouched
// if there is none.
func (m Model) Fetch(result interface{}) (int, error) {
	return m.client.RawGet(m.Path(core.ActionFetch), result)
}

// FetchAll reads all rows matching the parameters
func (m Model) FetchAll(result interface{}) (int, error) {
	return m.client.RawGet(m.Path(core.ActionFetchAll), result)
}

// FetchPage reads one page of the rows matching the parameters
func (m Model) FetchPage(page, pageSize int, result interface{}) (int, error) {
	paged := m.WithParameter("page", strconv.Itoa(page)).WithParameter("pageSize", strconv.Itoa(pageSize))
	return paged.client.RawGet(paged.Path(core.ActionFetchPage), result)
}

// RawGet gets path. Expects http.StatusOK as response, otherwise it will
// flag an *Error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.do(http.MethodGet, path, nil, result)
}

// RawPost posts body to path. Expects http.StatusOK as response, otherwise it will
// flag an *Error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
		}
	}
	return c.do(http.MethodPost, path, j, result)
}

func (c Client) do(method, path string, body []byte, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}
	status := res.StatusCode
	if status != http.StatusOK {
		return status, &Error{Status: status, Message: strings.TrimSpace(string(resBody))}
	}

	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}
