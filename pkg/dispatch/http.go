package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// MessagesPath is appended to the counterparty address to form the message endpoint.
const MessagesPath = "/messages"

// HeaderMessageType names the message type on every request.
const HeaderMessageType = "X-Conveyor-Message"

const maxResponseBody = 1 << 20

// HTTPConfig configures the HTTP dispatcher.
type HTTPConfig struct {
	// Timeout bounds one request.
	Timeout time.Duration

	// RatePerSecond and Burst limit messages per counterparty address.
	// Zero disables limiting.
	RatePerSecond float64
	Burst         int

	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPDispatcher posts messages as JSON to the counterparty's message endpoint.
type HTTPDispatcher struct {
	client    *http.Client
	limiter   *MapLimiter
	authToken string
	now       func() time.Time
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

// NewHTTPDispatcher creates an HTTP dispatcher.
func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPDispatcher{
		client:    client,
		limiter:   NewMapLimiter(cfg.RatePerSecond, cfg.Burst, 0),
		authToken: cfg.AuthToken,
		now:       time.Now,
	}
}

// errorBody is the error document a counterparty may answer with.
type errorBody struct {
	Error string `json:"error"`
}

// Dispatch implements Dispatcher. Refusals (4xx) are permanent, 429 is
// throttled, everything else that fails is transient.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg engine.RemoteMessage) (*engine.Ack, error) {
	address := strings.TrimSuffix(msg.CounterPartyAddress, "/")
	if address == "" {
		return nil, engine.NewPermanentError("counterparty address is empty", nil).
			WithCode(engine.ErrCodeValidation).
			WithProcess(msg.ProcessID)
	}

	if !d.limiter.Allow(address, d.now()) {
		return nil, engine.NewThrottledError("dispatch rate limit reached", nil).
			WithCode(engine.ErrCodeRateLimited).
			WithProcess(msg.ProcessID).
			WithDetail("counterparty", address)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, engine.NewPermanentError("failed to marshal message", err).WithProcess(msg.ProcessID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address+MessagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, engine.NewPermanentError("failed to create request", err).
			WithCode(engine.ErrCodeValidation).
			WithProcess(msg.ProcessID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageType, string(msg.Type))
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, engine.NewTransientError("failed to reach counterparty", err).
			WithCode(engine.ErrCodeDispatchFailed).
			WithProcess(msg.ProcessID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, engine.NewTransientError("failed to read counterparty response", err).
			WithCode(engine.ErrCodeDispatchFailed).
			WithProcess(msg.ProcessID)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeAck(data, msg.ProcessID)

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.NewThrottledError("counterparty is throttling", nil).
			WithCode(engine.ErrCodeRateLimited).
			WithProcess(msg.ProcessID)

	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, engine.NewTransientError("counterparty timed out", nil).
			WithCode(engine.ErrCodeTimeout).
			WithProcess(msg.ProcessID)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, engine.NewRejectedError(reason(resp.StatusCode, data)).WithProcess(msg.ProcessID)

	default:
		return nil, engine.NewTransientError(fmt.Sprintf("counterparty returned %d", resp.StatusCode), errors.New(reason(resp.StatusCode, data))).
			WithCode(engine.ErrCodeDispatchFailed).
			WithProcess(msg.ProcessID)
	}
}

func decodeAck(data []byte, processID string) (*engine.Ack, error) {
	ack := &engine.Ack{}
	if len(bytes.TrimSpace(data)) == 0 {
		return ack, nil
	}
	if err := json.Unmarshal(data, ack); err != nil {
		return nil, engine.NewTransientError("malformed acknowledgement", err).
			WithCode(engine.ErrCodeDispatchFailed).
			WithProcess(processID)
	}
	return ack, nil
}

func reason(status int, data []byte) string {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}
	return http.StatusText(status)
}
