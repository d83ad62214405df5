package unix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbrock/herd/internal/control"
	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/supervisor"
)

// Plane implements control.ControlPlane for a daemon socket.
type Plane struct {
	SocketPath string
}

var _ control.ControlPlane = Plane{}

func (p Plane) Connect(ctx context.Context) (control.Client, error) {
	return Connect(p.SocketPath)
}

// client implements control.Client over HTTP+JSON on a unix socket.
type client struct {
	socketPath string
	httpClient *http.Client
}

var _ control.Client = (*client)(nil)

// Connect returns a client for the daemon listening on socketPath. No
// connection is made until the first call.
func Connect(socketPath string) (control.Client, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path is empty")
	}
	return &client{
		socketPath: socketPath,
		httpClient: newUnixHTTPClient(socketPath),
	}, nil
}

func newUnixHTTPClient(socketPath string) *http.Client {
	tr := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &http.Client{Transport: tr}
}

func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *client) StartAll(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/start-all", "", nil, nil)
}

func (c *client) Start(ctx context.Context, name string) error {
	return c.named(ctx, "/start", name)
}

func (c *client) Stop(ctx context.Context, name string) error {
	return c.named(ctx, "/stop", name)
}

func (c *client) Restart(ctx context.Context, name string) error {
	return c.named(ctx, "/restart", name)
}

func (c *client) named(ctx context.Context, path, name string) error {
	if err := control.CheckName(name); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, path, name, nameRequest{Name: name}, nil)
}

func (c *client) Status(ctx context.Context) ([]supervisor.Status, error) {
	var out []supervisor.Status
	if err := c.doJSON(ctx, http.MethodGet, "/status", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) Logs(ctx context.Context, name, cursor string, filters ...eventlog.EventFilter) ([]eventlog.EventRecord, string, error) {
	if err := control.CheckName(name); err != nil {
		return nil, cursor, err
	}
	q := logsQuery(name, filters)
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var out logsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/logs?"+q.Encode(), name, nil, &out); err != nil {
		return nil, cursor, err
	}
	return out.Records, out.Cursor, nil
}

// Follow opens a streaming /logs request. The stream ends when ctx is done
// or the daemon goes away.
func (c *client) Follow(ctx context.Context, name string, filters ...eventlog.EventFilter) (iter.Seq2[eventlog.EventRecord, error], error) {
	if err := control.CheckName(name); err != nil {
		return nil, err
	}
	q := logsQuery(name, filters)
	q.Set("follow", "1")

	resp, err := c.do(ctx, http.MethodGet, "/logs?"+q.Encode(), name, nil)
	if err != nil {
		return nil, err
	}

	return func(yield func(eventlog.EventRecord, error) bool) {
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var rec eventlog.EventRecord
			if err := dec.Decode(&rec); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(eventlog.EventRecord{}, fmt.Errorf("reading log stream: %w", err))
				}
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}, nil
}

func logsQuery(name string, filters []eventlog.EventFilter) url.Values {
	q := url.Values{"name": {name}}
	for _, f := range filters {
		q.Add("filter", f.String())
	}
	return q
}

// doJSON performs one request. name is used to rebuild NotFoundError.
func (c *client) doJSON(ctx context.Context, method, path, name string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	resp, err := c.do(ctx, method, path, name, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// do sends a request and turns non-200 responses into errors. On success
// the caller owns resp.Body.
func (c *client) do(ctx context.Context, method, path, name string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting herd daemon at %s: %w", c.socketPath, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	var e errorResponse
	if json.Unmarshal(b, &e) != nil || e.Kind == "" {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return nil, control.Decode(e.Kind, e.Error, name)
}
