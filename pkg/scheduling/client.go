// Package scheduling is a thin HTTP client for the appointment booking
// gateway. The gateway is a black-box collaborator: identifiers for
// locations, team members, and service variations are opaque strings, and no
// state is kept between calls.
package scheduling

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
	"unicode"
)

// Environment selects the gateway deployment.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	sandboxBaseURL    = "https://connect.squareupsandbox.com/v2"
	productionBaseURL = "https://connect.squareup.com/v2"
)

// Config holds gateway client configuration.
type Config struct {
	// AccessToken is the bearer token. Required.
	AccessToken string

	// Environment is "sandbox" or "production" (default: sandbox).
	Environment string

	// LocationID scopes bookings to one location.
	LocationID string

	// BaseURL overrides the environment-selected URL (tests).
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout; tool-call latency
	// is caller-visible, so requests must be bounded.
	HTTPClient *http.Client
}

// Client calls the booking gateway.
type Client struct {
	baseURL    string
	token      string
	locationID string
	httpClient *http.Client
}

// NewClient validates the configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("scheduling: access token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Environment {
		case EnvironmentProduction:
			baseURL = productionBaseURL
		case EnvironmentSandbox, "":
			baseURL = sandboxBaseURL
		default:
			return nil, fmt.Errorf("scheduling: unknown environment %q", cfg.Environment)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.AccessToken,
		locationID: cfg.LocationID,
		httpClient: httpClient,
	}, nil
}

// LocationID returns the configured booking location.
func (c *Client) LocationID() string {
	return c.locationID
}

// Customer is a gateway customer record.
type Customer struct {
	ID          string `json:"id"`
	GivenName   string `json:"given_name,omitempty"`
	FamilyName  string `json:"family_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email_address,omitempty"`
}

// AppointmentSegment is one service slot inside a booking.
type AppointmentSegment struct {
	DurationMinutes         int    `json:"duration_minutes,omitempty"`
	ServiceVariationID      string `json:"service_variation_id"`
	ServiceVariationVersion int64  `json:"service_variation_version,omitempty"`
	TeamMemberID            string `json:"team_member_id"`
}

// Booking is a gateway booking record.
type Booking struct {
	ID                  string               `json:"id"`
	Version             int                  `json:"version"`
	Status              string               `json:"status,omitempty"`
	StartAt             time.Time            `json:"start_at"`
	LocationID          string               `json:"location_id,omitempty"`
	CustomerID          string               `json:"customer_id,omitempty"`
	CustomerNote        string               `json:"customer_note,omitempty"`
	AppointmentSegments []AppointmentSegment `json:"appointment_segments,omitempty"`
}

// APIError is a decoded gateway error response.
type APIError struct {
	StatusCode int
	Category   string
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scheduling: gateway returned %d: %s %s: %s", e.StatusCode, e.Category, e.Code, e.Detail)
}

// SearchCustomerByPhone finds the customer matching an E.164 phone number.
// Returns nil without error when no customer matches.
func (c *Client) SearchCustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	body := map[string]any{
		"query": map[string]any{
			"filter": map[string]any{
				"phone_number": map[string]any{"fuzzy": phone},
			},
		},
	}

	var out struct {
		Customers []Customer `json:"customers"`
	}
	if err := c.do(ctx, http.MethodPost, "/customers/search", body, &out); err != nil {
		return nil, err
	}
	if len(out.Customers) == 0 {
		return nil, nil
	}
	return &out.Customers[0], nil
}

// ListBookings lists bookings for a customer at the configured location.
func (c *Client) ListBookings(ctx context.Context, customerID string) ([]Booking, error) {
	q := url.Values{}
	q.Set("customer_id", customerID)
	if c.locationID != "" {
		q.Set("location_id", c.locationID)
	}

	var out struct {
		Bookings []Booking `json:"bookings"`
	}
	if err := c.do(ctx, http.MethodGet, "/bookings?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Bookings, nil
}

// CreateBookingRequest describes a new booking.
type CreateBookingRequest struct {
	CustomerID         string
	StartAt            time.Time
	ServiceVariationID string
	TeamMemberID       string
	CustomerNote       string
}

// CreateBooking creates one booking at the configured location.
func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (*Booking, error) {
	body := map[string]any{
		"booking": Booking{
			StartAt:      req.StartAt,
			LocationID:   c.locationID,
			CustomerID:   req.CustomerID,
			CustomerNote: req.CustomerNote,
			AppointmentSegments: []AppointmentSegment{{
				ServiceVariationID: req.ServiceVariationID,
				TeamMemberID:       req.TeamMemberID,
			}},
		},
	}

	var out struct {
		Booking Booking `json:"booking"`
	}
	if err := c.do(ctx, http.MethodPost, "/bookings", body, &out); err != nil {
		return nil, err
	}
	return &out.Booking, nil
}

// CancelBooking cancels a booking at its current version.
func (c *Client) CancelBooking(ctx context.Context, bookingID string, version int) (*Booking, error) {
	body := map[string]any{"booking_version": version}

	var out struct {
		Booking Booking `json:"booking"`
	}
	if err := c.do(ctx, http.MethodPost, "/bookings/"+url.PathEscape(bookingID)+"/cancel", body, &out); err != nil {
		return nil, err
	}
	return &out.Booking, nil
}

// RescheduleBooking moves a booking to a new start time.
func (c *Client) RescheduleBooking(ctx context.Context, bookingID string, version int, startAt time.Time) (*Booking, error) {
	body := map[string]any{
		"booking": map[string]any{
			"version":  version,
			"start_at": startAt.Format(time.RFC3339),
		},
	}

	var out struct {
		Booking Booking `json:"booking"`
	}
	if err := c.do(ctx, http.MethodPut, "/bookings/"+url.PathEscape(bookingID), body, &out); err != nil {
		return nil, err
	}
	return &out.Booking, nil
}

// ErrCustomerNotFound is returned when a phone number matches no customer.
var ErrCustomerNotFound = errors.New("scheduling: no customer on file for that phone number")

// LookupResult pairs a resolved customer with their bookings.
type LookupResult struct {
	Customer *Customer `json:"customer,omitempty"`
	Bookings []Booking `json:"bookings,omitempty"`
}

// LookupBookingsByPhone resolves the customer for a phone number and lists
// their bookings. A phone with no customer yields an empty result, not an
// error.
func (c *Client) LookupBookingsByPhone(ctx context.Context, phone string) (*LookupResult, error) {
	customer, err := c.SearchCustomerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return &LookupResult{}, nil
	}

	bookings, err := c.ListBookings(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	return &LookupResult{Customer: customer, Bookings: bookings}, nil
}

// CreateBookingForPhone resolves the customer for a phone number and books
// the appointment under them. req.CustomerID is overwritten.
func (c *Client) CreateBookingForPhone(ctx context.Context, phone string, req CreateBookingRequest) (*Booking, error) {
	customer, err := c.SearchCustomerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, ErrCustomerNotFound
	}

	req.CustomerID = customer.ID
	return c.CreateBooking(ctx, req)
}

// do issues one request and decodes either the success body or the gateway's
// error envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("scheduling: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("scheduling: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scheduling: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Errors []struct {
				Category string `json:"category"`
				Code     string `json:"code"`
				Detail   string `json:"detail"`
			} `json:"errors"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && len(envelope.Errors) > 0 {
			apiErr.Category = envelope.Errors[0].Category
			apiErr.Code = envelope.Errors[0].Code
			apiErr.Detail = envelope.Errors[0].Detail
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scheduling: decode response: %w", err)
	}
	return nil
}

// NormalizePhone converts caller-supplied phone text to E.164. A leading "+"
// means the digits already carry a country code; only bare numbers get the US
// default.
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}

	d := digits.String()
	switch {
	case strings.HasPrefix(strings.TrimSpace(raw), "+"):
		if len(d) < 8 || len(d) > 15 {
			return "", fmt.Errorf("scheduling: cannot normalize phone number %q", raw)
		}
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && strings.HasPrefix(d, "1"):
		return "+" + d, nil
	default:
		return "", fmt.Errorf("scheduling: cannot normalize phone number %q", raw)
	}
}
