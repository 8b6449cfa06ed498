// Package tools executes model-requested function calls against the
// scheduling gateway and injects their results back into the AI session.
//
// The tool set is fixed and statically declared. Every call makes exactly one
// gateway attempt and always delivers an output item — success or a structured
// error — because an unanswered call stalls the model's turn indefinitely.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	openairt "github.com/WqyJh/go-openai-realtime"

	"github.com/voicegate/voicegate/pkg/scheduling"
)

// Tool names advertised to the model.
const (
	ToolLookupBookings    = "lookup_bookings"
	ToolCreateBooking     = "create_booking"
	ToolCancelBooking     = "cancel_booking"
	ToolRescheduleBooking = "reschedule_booking"
)

// Status tracks a call through its lifecycle.
type Status int

const (
	// StatusIssued - the model requested the call.
	StatusIssued Status = iota
	// StatusResolved - the gateway call succeeded.
	StatusResolved
	// StatusFailed - the gateway call failed; an error payload will be sent.
	StatusFailed
	// StatusDelivered - the output item reached the AI session. Terminal.
	StatusDelivered
)

func (s Status) String() string {
	switch s {
	case StatusIssued:
		return "issued"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	case StatusDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Call is one model-requested tool invocation.
type Call struct {
	ID        string // call id assigned by the model
	Name      string
	Arguments string // JSON-encoded argument text
	Status    Status
}

// Gateway is the slice of the scheduling client the dispatcher uses: one
// method per tool, so each tool call is exactly one gateway call with no
// retries at this layer.
type Gateway interface {
	LookupBookingsByPhone(ctx context.Context, phone string) (*scheduling.LookupResult, error)
	CreateBookingForPhone(ctx context.Context, phone string, req scheduling.CreateBookingRequest) (*scheduling.Booking, error)
	CancelBooking(ctx context.Context, bookingID string, version int) (*scheduling.Booking, error)
	RescheduleBooking(ctx context.Context, bookingID string, version int, startAt time.Time) (*scheduling.Booking, error)
}

// Injector delivers tool outputs back into the AI session.
type Injector interface {
	InjectToolOutput(ctx context.Context, callID, output string) error
	CreateResponse(ctx context.Context) error
}

// Dispatcher maps tool names to gateway calls.
type Dispatcher struct {
	gateway Gateway
}

// NewDispatcher creates a dispatcher over the given gateway.
func NewDispatcher(gateway Gateway) *Dispatcher {
	return &Dispatcher{gateway: gateway}
}

// Schemas returns the function schemas advertised in the session config.
func (d *Dispatcher) Schemas() []openairt.Tool {
	return []openairt.Tool{
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolLookupBookings,
			Description: "Look up the caller's upcoming appointments by their phone number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phone": map[string]any{
						"type":        "string",
						"description": "The caller's phone number.",
					},
				},
				"required": []string{"phone"},
			},
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolCreateBooking,
			Description: "Book a new appointment for the caller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phone": map[string]any{
						"type":        "string",
						"description": "The caller's phone number.",
					},
					"start_at": map[string]any{
						"type":        "string",
						"description": "Appointment start time, RFC 3339.",
					},
					"service_variation_id": map[string]any{
						"type":        "string",
						"description": "Identifier of the requested service.",
					},
					"team_member_id": map[string]any{
						"type":        "string",
						"description": "Identifier of the requested staff member.",
					},
					"note": map[string]any{
						"type":        "string",
						"description": "Optional note from the caller.",
					},
				},
				"required": []string{"phone", "start_at", "service_variation_id", "team_member_id"},
			},
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolCancelBooking,
			Description: "Cancel an existing appointment.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_id": map[string]any{
						"type":        "string",
						"description": "Identifier of the booking to cancel.",
					},
					"version": map[string]any{
						"type":        "integer",
						"description": "Current version of the booking.",
					},
				},
				"required": []string{"booking_id", "version"},
			},
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolRescheduleBooking,
			Description: "Move an existing appointment to a new time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_id": map[string]any{
						"type":        "string",
						"description": "Identifier of the booking to move.",
					},
					"version": map[string]any{
						"type":        "integer",
						"description": "Current version of the booking.",
					},
					"start_at": map[string]any{
						"type":        "string",
						"description": "New start time, RFC 3339.",
					},
				},
				"required": []string{"booking_id", "version", "start_at"},
			},
		},
	}
}

// Dispatch executes one call and always delivers an output item for it,
// followed by a generation request so the model speaks the result. The only
// undelivered case is the injector itself failing, which means the AI leg is
// already gone.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call, injector Injector) {
	output, err := d.execute(ctx, call)
	if err != nil {
		call.Status = StatusFailed
		log.Printf("[Tools] %s (call %s) failed: %v", call.Name, call.ID, err)
		output = errorPayload(err)
	} else {
		call.Status = StatusResolved
	}

	if err := injector.InjectToolOutput(ctx, call.ID, output); err != nil {
		log.Printf("[Tools] output for call %s not delivered: %v", call.ID, err)
		return
	}
	call.Status = StatusDelivered

	if err := injector.CreateResponse(ctx); err != nil {
		log.Printf("[Tools] response request after call %s failed: %v", call.ID, err)
	}
}

// execute runs the single gateway attempt for a call.
func (d *Dispatcher) execute(ctx context.Context, call *Call) (string, error) {
	switch call.Name {
	case ToolLookupBookings:
		return d.lookupBookings(ctx, call.Arguments)
	case ToolCreateBooking:
		return d.createBooking(ctx, call.Arguments)
	case ToolCancelBooking:
		return d.cancelBooking(ctx, call.Arguments)
	case ToolRescheduleBooking:
		return d.rescheduleBooking(ctx, call.Arguments)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (d *Dispatcher) lookupBookings(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Phone string `json:"phone"`
	}
	decodeArguments(arguments, &args)

	phone, err := scheduling.NormalizePhone(args.Phone)
	if err != nil {
		return "", err
	}

	result, err := d.gateway.LookupBookingsByPhone(ctx, phone)
	if err != nil {
		return "", err
	}
	if result.Customer == nil {
		return marshalPayload(map[string]any{
			"found":   false,
			"message": "no customer on file for that phone number",
		}), nil
	}
	return marshalPayload(map[string]any{
		"found":    true,
		"customer": result.Customer,
		"bookings": result.Bookings,
	}), nil
}

func (d *Dispatcher) createBooking(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Phone              string `json:"phone"`
		StartAt            string `json:"start_at"`
		ServiceVariationID string `json:"service_variation_id"`
		TeamMemberID       string `json:"team_member_id"`
		Note               string `json:"note"`
	}
	decodeArguments(arguments, &args)

	phone, err := scheduling.NormalizePhone(args.Phone)
	if err != nil {
		return "", err
	}
	startAt, err := time.Parse(time.RFC3339, args.StartAt)
	if err != nil {
		return "", fmt.Errorf("invalid start_at %q: %w", args.StartAt, err)
	}

	booking, err := d.gateway.CreateBookingForPhone(ctx, phone, scheduling.CreateBookingRequest{
		StartAt:            startAt,
		ServiceVariationID: args.ServiceVariationID,
		TeamMemberID:       args.TeamMemberID,
		CustomerNote:       args.Note,
	})
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"booking": booking}), nil
}

func (d *Dispatcher) cancelBooking(ctx context.Context, arguments string) (string, error) {
	var args struct {
		BookingID string `json:"booking_id"`
		Version   int    `json:"version"`
	}
	decodeArguments(arguments, &args)

	booking, err := d.gateway.CancelBooking(ctx, args.BookingID, args.Version)
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"booking": booking}), nil
}

func (d *Dispatcher) rescheduleBooking(ctx context.Context, arguments string) (string, error) {
	var args struct {
		BookingID string `json:"booking_id"`
		Version   int    `json:"version"`
		StartAt   string `json:"start_at"`
	}
	decodeArguments(arguments, &args)

	startAt, err := time.Parse(time.RFC3339, args.StartAt)
	if err != nil {
		return "", fmt.Errorf("invalid start_at %q: %w", args.StartAt, err)
	}

	booking, err := d.gateway.RescheduleBooking(ctx, args.BookingID, args.Version, startAt)
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{"booking": booking}), nil
}

// decodeArguments treats malformed argument text as empty arguments rather
// than failing the turn; individual handlers then reject missing fields with
// a speakable error.
func decodeArguments(arguments string, out any) {
	if arguments == "" {
		return
	}
	if err := json.Unmarshal([]byte(arguments), out); err != nil {
		log.Printf("[Tools] malformed arguments treated as empty: %v", err)
	}
}

// errorPayload is the structured result delivered for failed calls so the
// model can apologize instead of stalling.
func errorPayload(err error) string {
	return marshalPayload(map[string]any{"error": err.Error()})
}

func marshalPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal serialization failure"}`
	}
	return string(data)
}
