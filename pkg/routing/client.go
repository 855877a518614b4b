package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/r3labs/sse/v2"

	"github.com/a-liut/helmet-nav-go/pkg/nav"
)

const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the routing backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("routing backend: (%d) %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("routing backend: (%d) %s", e.StatusCode, e.Message)
}

// Client talks to the routing backend: route queries, position reports and the
// live instruction feed.
type Client struct {
	url    *url.URL
	http   *http.Client
	stream *http.Client
	log    *logging.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "routing url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("routing url %q is not absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.MustGetLogger("routing")
	}
	log.Infof("routing backend URL: %s", u)

	return &Client{
		url:    u,
		http:   &http.Client{Timeout: timeout},
		stream: &http.Client{},
		log:    log,
	}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.url
	u.Path = c.url.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func coordString(p nav.Coordinate) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lon, 'f', -1, 64)
}

func tripQuery(origin nav.Coordinate, destination string) url.Values {
	q := url.Values{}
	q.Set("start", coordString(origin))
	q.Set("end", destination)
	return q
}

// FetchRoute asks the backend for the route from origin to destination.
func (c *Client) FetchRoute(ctx context.Context, origin nav.Coordinate, destination string) (*nav.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/route_info", tripQuery(origin, destination)), nil)
	if err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "route query")
	}
	defer res.Body.Close()

	if err := checkResponse(res); err != nil {
		return nil, err
	}

	var route nav.Route
	if err := json.NewDecoder(res.Body).Decode(&route); err != nil {
		return nil, errors.Wrap(err, "decode route")
	}

	c.log.Debugf("route to %q: %s, %s, %d points", destination, route.Distance, route.Duration, len(route.Coordinates))
	return &route, nil
}

// UpdatePosition reports the rider position.
func (c *Client) UpdatePosition(ctx context.Context, pos nav.Coordinate) error {
	body, err := json.Marshal(pos)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/update_position", nil), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "position report")
	}
	defer res.Body.Close()

	return checkResponse(res)
}

// Stream subscribes to the instruction feed for a trip and calls fn for every
// instruction chain. Malformed messages are skipped. It returns nil once ctx is done
// and nav.ErrFeedTerminated when the backend gives up on the route.
func (c *Client) Stream(ctx context.Context, origin nav.Coordinate, destination string, fn func(*nav.Instruction)) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := sse.NewClient(c.endpoint("/stream", tripQuery(origin, destination)))
	client.Connection = c.stream
	client.OnConnect(func(*sse.Client) {
		c.log.Infof("instruction feed connected for %q", destination)
	})

	terminated := false
	err := client.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
		if terminated {
			return
		}

		in, err := nav.ParseFeedMessage(msg.Data)
		switch {
		case err == nav.ErrFeedTerminated:
			terminated = true
			cancel()
		case err != nil:
			c.log.Debugf("instruction feed: skipping %q: %s", msg.Data, err)
		default:
			fn(in)
		}
	})

	switch {
	case terminated:
		return nav.ErrFeedTerminated
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return errors.Wrap(err, "instruction feed")
	}
	return nil
}

func checkResponse(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&body)
	return &APIError{StatusCode: res.StatusCode, Message: body.Error}
}
