package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"calltimer/internal/logging"
)

const maxErrorBody = 4 << 10

// Command is the body posted to a call's control URL.
type Command struct {
	Type               string `json:"type"`
	Content            string `json:"content,omitempty"`
	EndCallAfterSpoken *bool  `json:"endCallAfterSpoken,omitempty"`
}

// EndCallCommand asks the platform to hang up the call.
func EndCallCommand() Command {
	return Command{Type: "end-call"}
}

// SayCommand asks the platform to speak text without hanging up afterwards.
func SayCommand(text string) Command {
	f := false
	return Command{Type: "say", Content: text, EndCallAfterSpoken: &f}
}

// StatusError is returned when the control endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control endpoint responded %d: %s", e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	// Timeout bounds every outbound request. Defaults to 10s.
	Timeout time.Duration
	// ClosingMessage, when set, is spoken before the call is ended.
	ClosingMessage string
	// ClosingDelay is the pause between the closing message and end-call.
	ClosingDelay time.Duration
	HTTPClient   *http.Client
	Logger       *logrus.Entry
}

// Client sends live-call commands to a platform control URL.
type Client struct {
	http           *http.Client
	closingMessage string
	closingDelay   time.Duration
	log            *logrus.Entry
}

// NewClient creates a control client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("control")
	}
	return &Client{
		http:           opts.HTTPClient,
		closingMessage: opts.ClosingMessage,
		closingDelay:   opts.ClosingDelay,
		log:            opts.Logger,
	}
}

// Terminate ends the call behind controlURL. When a closing message is
// configured it is spoken first; a failure to speak does not prevent the
// end-call command. Each command is attempted exactly once.
func (c *Client) Terminate(ctx context.Context, controlURL string) error {
	if c.closingMessage != "" {
		if _, err := c.Send(ctx, controlURL, SayCommand(c.closingMessage)); err != nil {
			c.log.WithError(err).WithField("control_url", controlURL).Warn("closing message failed")
		} else if c.closingDelay > 0 {
			t := time.NewTimer(c.closingDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	_, err := c.EndCall(ctx, controlURL)
	return err
}

// EndCall posts a single end-call command and returns the response body.
func (c *Client) EndCall(ctx context.Context, controlURL string) (string, error) {
	return c.Send(ctx, controlURL, EndCallCommand())
}

// Send posts cmd to controlURL. Non-2xx responses are returned as *StatusError.
func (c *Client) Send(ctx context.Context, controlURL string, cmd Command) (string, error) {
	if controlURL == "" {
		return "", errors.New("empty control url")
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building %s request: %w", cmd.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending %s: %w", cmd.Type, err)
	}
	defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return string(data), &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return string(data), nil
}
