package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatremote/host/internal/server"
)

// hostClient talks to a daemon on this machine. The daemon may run with
// or without TLS, so https is tried first and plain http second.
type hostClient struct {
	addr        string
	editorToken string
	http        *http.Client
	schemes     []string
}

func newHostClient(addr, editorToken string) *hostClient {
	return &hostClient{
		addr:        addr,
		editorToken: editorToken,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				// The daemon's certificate is self-signed and the request
				// never leaves the machine.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		schemes: []string{"https", "http"},
	}
}

// errHostUnreachable means no scheme produced an HTTP response.
var errHostUnreachable = errors.New("host not reachable")

// do sends the request and decodes a 2xx JSON body into out. Error bodies
// are reported with their code.
func (c *hostClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for _, scheme := range c.schemes {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, scheme+"://"+c.addr+path, r)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.editorToken != "" {
			req.Header.Set(server.EditorTokenHeader, c.editorToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			var e server.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Code != "" {
				return fmt.Errorf("%s (%s)", e.Message, e.Code)
			}
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return fmt.Errorf("%w at %s: %v", errHostUnreachable, c.addr, lastErr)
}

func (c *hostClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *hostClient) post(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}
