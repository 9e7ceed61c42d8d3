package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"taskboard/domain"
)

const maxFrameSize = 1 << 20

// Stream reads the event stream of a project and calls fn for every event
// until ctx is done, the server closes the stream, or fn fails. Events of
// unknown kinds are skipped.
func (c *Client) Stream(ctx context.Context, projectID string, fn func(domain.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream outlives any request timeout
	httpc := *c.HTTP
	httpc.Timeout = 0
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses server-sent events from r.
func readEvents(r io.Reader, fn func(domain.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	var (
		name string
		data strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" && data.Len() > 0 {
				ev, err := domain.DecodeEvent(name, []byte(data.String()))
				switch {
				case errors.Is(err, domain.ErrUnknownEvent):
				case err != nil:
					return fmt.Errorf("decode %s: %w", name, err)
				default:
					if err := fn(ev); err != nil {
						return err
					}
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
