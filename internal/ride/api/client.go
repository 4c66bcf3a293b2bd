package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// ErrMissingRide is returned when a successful action response carries no ride.
var ErrMissingRide = errors.New("response missing ride")

// Config holds client tunables.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the ride backend: authentication, ride actions, history and
// driver availability. It satisfies domain.ActionAPI.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Client.
func New(logger *zap.Logger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   httpClient,
		logger: logger,
		tracer: otel.Tracer("ridesync.api"),
	}
}

type envelope struct {
	Success bool          `json:"success"`
	Ride    *domain.Ride  `json:"ride,omitempty"`
	Rides   []domain.Ride `json:"rides,omitempty"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
}

// LoginResult is what the backend hands out on a successful login.
type LoginResult struct {
	Credential domain.Credential
	UserID     string
	Name       string
	Message    string
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Token   string         `json:"jwt_Token"`
	Name    string         `json:"name"`
	UserID  domain.LooseID `json:"userId"`
	ID      domain.LooseID `json:"id"`
}

// Login exchanges email and password for a credential.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	const op = "login"
	var resp loginResponse
	if err := c.do(ctx, op, http.MethodPost, "/auth/login", domain.Credential{}, loginRequest{Email: email, Password: password}, &resp); err != nil {
		return LoginResult{}, err
	}
	if !resp.Success || resp.Token == "" {
		return LoginResult{}, &domain.ActionError{Op: op, Message: resp.Message}
	}
	userID := string(resp.UserID)
	if userID == "" {
		userID = string(resp.ID)
	}
	return LoginResult{
		Credential: domain.Credential{Token: resp.Token},
		UserID:     userID,
		Name:       resp.Name,
		Message:    resp.Message,
	}, nil
}

// RequestRide posts a new ride request.
func (c *Client) RequestRide(ctx context.Context, cred domain.Credential, req domain.RideRequest) (domain.Ride, error) {
	return c.rideAction(ctx, "request", http.MethodPost, "/rides", cred, req)
}

func (c *Client) AcceptRide(ctx context.Context, cred domain.Credential, rideID string) (domain.Ride, error) {
	return c.rideAction(ctx, "accept", http.MethodPut, ridePath(rideID, "accept"), cred, nil)
}

func (c *Client) StartRide(ctx context.Context, cred domain.Credential, rideID string) (domain.Ride, error) {
	return c.rideAction(ctx, "start", http.MethodPut, ridePath(rideID, "start"), cred, nil)
}

func (c *Client) CompleteRide(ctx context.Context, cred domain.Credential, rideID string) (domain.Ride, error) {
	return c.rideAction(ctx, "complete", http.MethodPut, ridePath(rideID, "complete"), cred, nil)
}

// MyRides lists the rides of the authenticated user.
func (c *Client) MyRides(ctx context.Context, cred domain.Credential) ([]domain.Ride, error) {
	const op = "history"
	var resp envelope
	if err := c.do(ctx, op, http.MethodGet, "/rides/my", cred, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, actionError(op, resp)
	}
	if resp.Rides == nil {
		return []domain.Ride{}, nil
	}
	return resp.Rides, nil
}

// SetAvailability toggles whether the driver receives ride offers.
func (c *Client) SetAvailability(ctx context.Context, cred domain.Credential, available bool) error {
	const op = "availability"
	var resp envelope
	body := struct {
		Available bool `json:"available"`
	}{available}
	if err := c.do(ctx, op, http.MethodPost, "/drivers/status", cred, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return actionError(op, resp)
	}
	return nil
}

func (c *Client) rideAction(ctx context.Context, op, method, path string, cred domain.Credential, body any) (domain.Ride, error) {
	var resp envelope
	if err := c.do(ctx, op, method, path, cred, body, &resp); err != nil {
		return domain.Ride{}, err
	}
	if !resp.Success {
		return domain.Ride{}, actionError(op, resp)
	}
	if resp.Ride == nil {
		return domain.Ride{}, fmt.Errorf("%s: %w", op, ErrMissingRide)
	}
	return *resp.Ride, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, cred domain.Credential, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "api."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer span.End()
	start := time.Now()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if !cred.Empty() {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		requestTotal.WithLabelValues(op, "error").Inc()
		c.logger.Warn("api request failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		requestTotal.WithLabelValues(op, "error").Inc()
		if resp.StatusCode >= http.StatusBadRequest {
			return &domain.ActionError{Op: op, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
		}
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	result := "ok"
	if resp.StatusCode >= http.StatusBadRequest {
		result = "rejected"
		span.SetStatus(codes.Error, resp.Status)
	}
	requestTotal.WithLabelValues(op, result).Inc()
	return nil
}

func actionError(op string, resp envelope) error {
	msg := resp.Error
	if msg == "" {
		msg = resp.Message
	}
	return &domain.ActionError{Op: op, Message: msg}
}

func ridePath(rideID, action string) string {
	return "/rides/" + url.PathEscape(rideID) + "/" + action
}
