package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benaskins/powerd/internal/api"
)

// client talks to the daemon over its Unix socket. It keeps a single
// connection, which the daemon treats as the owner of profile holds.
type client struct {
	http *http.Client
}

func newClient(timeout time.Duration) *client {
	sock := socketPath
	return &client{http: &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
			MaxConnsPerHost: 1,
		},
	}}
}

// requestError is a failed API call with the daemon's error body.
type requestError struct {
	Status int
	Resp   api.ErrorResponse
}

func (e *requestError) Error() string {
	r := e.Resp
	switch r.Kind {
	case api.KindBusy:
		msg := fmt.Sprintf("daemon busy: %s transaction running since %s", r.Holder, r.Since.Local().Format(time.TimeOnly))
		if r.Stuck {
			msg += " (possibly stuck)"
		}
		return msg + "; retry later or pass --wait"
	case api.KindInteractiveAuth:
		return "authentication required: " + r.Error
	case api.KindPartial:
		return fmt.Sprintf("%s (failed: %s)", r.Error, strings.Join(r.Failed, ", "))
	}
	return r.Error
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://powerd"+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is powerd daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		rerr := &requestError{Status: resp.StatusCode}
		if json.Unmarshal(data, &rerr.Resp) != nil || rerr.Resp.Error == "" {
			rerr.Resp.Error = fmt.Sprintf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		}
		return rerr
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream reads server-sent events until ctx ends, the server closes the
// stream or fn returns an error.
func (c *client) stream(ctx context.Context, fn func(kind string, data []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://powerd/v1/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connecting to daemon: %w (is powerd daemon running?)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}
	return readEvents(ctx, resp.Body, fn)
}

func readEvents(ctx context.Context, r io.Reader, fn func(kind string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var kind string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if kind != "" || data != nil {
				if err := fn(kind, data); err != nil {
					return err
				}
			}
			kind, data = "", nil
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitPath adds ?wait=true when the caller asked to queue.
func waitPath(path string, wait bool) string {
	if wait {
		return path + "?wait=true"
	}
	return path
}
