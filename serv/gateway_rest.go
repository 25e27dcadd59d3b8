package serv

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/go-resty/resty/v2"
	"github.com/wildoasis/dashcache/core"
)

const (
	headerAPIKey = "apikey"
	headerPrefer = "Prefer"

	returnRepresentation = "return=representation"
)

// RestGateway talks to a PostgREST endpoint, the REST layer of a hosted
// Postgres. Resources map to tables under /rest/v1.
type RestGateway struct {
	client *resty.Client
}

// restError is the error body returned by PostgREST
type restError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *restError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (%s): %s", e.Message, e.Code, e.Details)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// NewRestGateway creates a gateway for the project at baseURL. apiKey is
// sent on every request and token, when set, as the bearer token.
func NewRestGateway(baseURL, apiKey, token string, timeout time.Duration) *RestGateway {
	return &RestGateway{client: newRestClient(baseURL, apiKey, token, timeout)}
}

func newRestClient(baseURL, apiKey, token string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader(headers.Accept, "application/json")

	if apiKey != "" {
		c.SetHeader(headerAPIKey, apiKey)
		if token == "" {
			token = apiKey
		}
	}
	if token != "" {
		c.SetAuthToken(token)
	}
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

func tablePath(resource string) string {
	return "/rest/v1/" + url.PathEscape(resource)
}

// filterParam renders a filter the way PostgREST expects it: field=method.value
func filterParam(f *core.Filter) (string, string) {
	return f.Field, f.Method + "." + core.FormatValue(f.Value)
}

func idParam(id string) (string, string) {
	return filterParam(core.Eq(core.IDField, id))
}

func (g *RestGateway) request(ctx context.Context) *resty.Request {
	return g.client.R().
		SetContext(ctx).
		SetError(&restError{})
}

// List reads the rows of a table, optionally filtered
func (g *RestGateway) List(ctx context.Context, resource string, filter *core.Filter) ([]core.Row, error) {
	var rows []core.Row

	req := g.request(ctx).
		SetQueryParam("select", "*").
		SetResult(&rows)

	if filter != nil {
		req.SetQueryParam(filterParam(filter))
	}

	res, err := req.Get(tablePath(resource))
	if err := checkResponse(res, err); err != nil {
		return nil, &core.LoadError{Resource: resource, Err: err}
	}
	if rows == nil {
		rows = []core.Row{}
	}
	return rows, nil
}

// Insert creates a row and returns it as stored
func (g *RestGateway) Insert(ctx context.Context, resource string, row core.Row) (core.Row, error) {
	var rows []core.Row

	res, err := g.request(ctx).
		SetHeader(headers.ContentType, "application/json").
		SetHeader(headerPrefer, returnRepresentation).
		SetBody([]core.Row{row}).
		SetResult(&rows).
		Post(tablePath(resource))

	if err := checkResponse(res, err); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: no row returned", resource)
	}
	return rows[0], nil
}

// Update patches the row with id
func (g *RestGateway) Update(ctx context.Context, resource, id string, row core.Row) (core.Row, error) {
	var rows []core.Row

	body := row.Clone()
	delete(body, core.IDField)

	res, err := g.request(ctx).
		SetHeader(headers.ContentType, "application/json").
		SetHeader(headerPrefer, returnRepresentation).
		SetQueryParam(idParam(id)).
		SetBody(body).
		SetResult(&rows).
		Patch(tablePath(resource))

	if err := checkResponse(res, err); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", resource, id, core.ErrNotFound)
	}
	return rows[0], nil
}

// Remove deletes the row with id and returns what was deleted
func (g *RestGateway) Remove(ctx context.Context, resource, id string) ([]core.Row, error) {
	var rows []core.Row

	res, err := g.request(ctx).
		SetHeader(headerPrefer, returnRepresentation).
		SetQueryParam(idParam(id)).
		SetResult(&rows).
		Delete(tablePath(resource))

	if err := checkResponse(res, err); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []core.Row{}
	}
	return rows, nil
}

// Ping checks that the endpoint answers
func (g *RestGateway) Ping(ctx context.Context) error {
	res, err := g.request(ctx).Get("/rest/v1/")
	return checkResponse(res, err)
}

func checkResponse(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !res.IsError() {
		return nil
	}
	if e, ok := res.Error().(*restError); ok && e.Message != "" {
		return fmt.Errorf("%s: %w", res.Status(), e)
	}
	return fmt.Errorf("unexpected response: %s", res.Status())
}
