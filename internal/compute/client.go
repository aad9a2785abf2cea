package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"operator-backend/internal/database"
)

var (
	ErrEndpointNotConfigured = errors.New("compute backend endpoint is not configured")
	ErrNotFound              = errors.New("compute backend resource not found")
	ErrUnauthorized          = errors.New("compute backend rejected the request as unauthorized")
	ErrServiceUnavailable    = errors.New("compute backend is unavailable")
)

const (
	RouteStructure        = "/structure"
	RoutePreprocess       = "/preprocess"
	RouteMasking          = "/masking-data"
	RouteTextMatch        = "/text_match"
	RouteCrossTab         = "/cross"
	RouteSpatialJoin      = "/spatial_join"
	RouteSpatialAggregate = "/spatial_aggregate"
)

var submitRoutes = map[string]string{
	database.OpDataStructure:    RouteStructure,
	database.OpPreProcessing:    RoutePreprocess,
	database.OpTextMatching:     RouteTextMatch,
	database.OpCrossTab:         RouteCrossTab,
	database.OpSpatialJoin:      RouteSpatialJoin,
	database.OpSpatialAggregate: RouteSpatialAggregate,
}

// SubmitRoute maps an operator type to its backend submission route. Masking
// pre-processing jobs go to a dedicated route.
func SubmitRoute(operator string, masking bool) (string, error) {
	if operator == database.OpPreProcessing && masking {
		return RouteMasking, nil
	}
	route, ok := submitRoutes[operator]
	if !ok {
		return "", fmt.Errorf("%w: %s", database.ErrUnknownOperator, operator)
	}
	return route, nil
}

// BackendError carries a backend-supplied failure message verbatim so it can
// be surfaced to the user unchanged.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("compute backend error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to the external compute backend. Submissions return a ticket
// id; progress is observed through ticket status queries and callbacks the
// backend posts to the callback URL included in every payload.
type Client struct {
	http         *resty.Client
	endpoint     string
	callbackBase string
}

func NewClient(endpoint, callbackBase string, timeout time.Duration) *Client {
	return &Client{
		http:         resty.New().SetTimeout(timeout),
		endpoint:     strings.TrimRight(endpoint, "/"),
		callbackBase: strings.TrimRight(callbackBase, "/"),
	}
}

// CallbackURL is the apiEndpoint given to the backend at submission, where it
// posts ticket status notifications.
func (c *Client) CallbackURL() string {
	return c.callbackBase + "/api/callbacks/tickets"
}

type submitResponse struct {
	TicketId string `json:"ticketId"`
}

func (c *Client) Submit(ctx context.Context, route string, payload any) (string, error) {
	if c.endpoint == "" {
		return "", ErrEndpointNotConfigured
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&submitResponse{}).
		Post(c.endpoint + route)
	if err != nil {
		slog.Error("error submitting job to compute backend", "route", route, "error", err)
		return "", fmt.Errorf("compute backend submit failed: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("compute backend rejected submission", "route", route, "status_code", res.StatusCode(), "body", res.String())
		return "", c.statusError(res)
	}

	ticket := res.Result().(*submitResponse).TicketId
	if ticket == "" {
		return "", fmt.Errorf("compute backend accepted %s request but returned no ticket id", route)
	}
	return ticket, nil
}

func (c *Client) TicketStatus(ctx context.Context, ticketId string) (*Ticket, error) {
	if c.endpoint == "" {
		return nil, ErrEndpointNotConfigured
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&Ticket{}).
		Get(c.endpoint + "/tickets/" + ticketId)
	if err != nil {
		slog.Error("error querying ticket status", "ticket_id", ticketId, "error", err)
		return nil, fmt.Errorf("ticket status query failed: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("ticket status query rejected", "ticket_id", ticketId, "status_code", res.StatusCode(), "body", res.String())
		return nil, c.statusError(res)
	}

	return res.Result().(*Ticket), nil
}

func (c *Client) statusError(res *resty.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(res.Body(), &body)
	if body.Message != "" {
		return &BackendError{StatusCode: res.StatusCode(), Message: body.Message}
	}

	switch res.StatusCode() {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	}
	return &BackendError{StatusCode: res.StatusCode(), Message: res.Status()}
}
