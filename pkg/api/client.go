package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
	"github.com/a-liut/helmet-nav-go/pkg/nav"
)

// connect may scan and connect back to back
const clientTimeout = 30 * time.Second

// Client talks to a running node. The CLI uses it for every command but run.
type Client struct {
	base string
	http *http.Client
}

// ResponseError is a non-2xx answer from the node.
type ResponseError struct {
	StatusCode int
	ApiResponse
}

func (e *ResponseError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func NewClient(addr string) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: clientTimeout}}
}

func (c *Client) Status(ctx context.Context) (*helmet.Status, error) {
	var st helmet.Status
	return &st, c.do(ctx, http.MethodGet, "/helmet", nil, &st)
}

func (c *Client) Connect(ctx context.Context) (*helmet.Status, error) {
	var st helmet.Status
	return &st, c.do(ctx, http.MethodPost, "/helmet/connect", nil, &st)
}

func (c *Client) Disconnect(ctx context.Context) (*helmet.Status, error) {
	var st helmet.Status
	return &st, c.do(ctx, http.MethodPost, "/helmet/disconnect", nil, &st)
}

func (c *Client) Send(ctx context.Context, text string) error {
	return c.do(ctx, http.MethodPost, "/helmet/send", &SendRequest{Text: text}, nil)
}

func (c *Client) Route(ctx context.Context, origin nav.Coordinate, destination string) (*nav.Route, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(origin.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(origin.Lon, 'f', -1, 64))
	q.Set("destination", destination)

	var route nav.Route
	return &route, c.do(ctx, http.MethodGet, "/route?"+q.Encode(), nil, &route)
}

func (c *Client) StartTrip(ctx context.Context, origin nav.Coordinate, destination string) (*nav.TripInfo, error) {
	req := &TripStartRequest{Lat: origin.Lat, Lon: origin.Lon, Destination: destination}
	var info nav.TripInfo
	return &info, c.do(ctx, http.MethodPost, "/trips", req, &info)
}

func (c *Client) CurrentTrip(ctx context.Context) (*nav.TripInfo, error) {
	var info nav.TripInfo
	return &info, c.do(ctx, http.MethodGet, "/trips/current", nil, &info)
}

func (c *Client) UpdatePosition(ctx context.Context, pos nav.Coordinate) (*nav.TripInfo, error) {
	var info nav.TripInfo
	return &info, c.do(ctx, http.MethodPost, "/trips/current/position", &pos, &info)
}

func (c *Client) StopTrip(ctx context.Context) (*nav.TripInfo, error) {
	var info nav.TripInfo
	return &info, c.do(ctx, http.MethodDelete, "/trips/current", nil, &info)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		e := &ResponseError{StatusCode: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(&e.ApiResponse); err != nil || e.Message == "" {
			e.Message = http.StatusText(res.StatusCode)
		}
		return e
	}

	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(res.Body).Decode(out), "decode response")
}
