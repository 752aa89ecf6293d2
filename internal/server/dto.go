package server

import (
	"encoding/json"

	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
)

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type CreateLotRequest struct {
	Name         string  `json:"name"`
	Address      string  `json:"address,omitempty"`
	PinCode      string  `json:"pin_code,omitempty"`
	TotalSlots   int     `json:"total_slots"`
	PricePerHour float64 `json:"price_per_hour"`
}

type UpdateLotRequest struct {
	Name         *string  `json:"name,omitempty"`
	Address      *string  `json:"address,omitempty"`
	PinCode      *string  `json:"pin_code,omitempty"`
	PricePerHour *float64 `json:"price_per_hour,omitempty"`
}

type CreateBookingRequest struct {
	SlotID        int64  `json:"slot_id"`
	VehicleNumber string `json:"vehicle_number"`
}

// Response payloads

type UserResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"USER,ADMIN"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type LotSlotsResponse struct {
	Lot   domain.LotSummary    `json:"lot"`
	Slots []domain.ParkingSlot `json:"slots"`
}

type ReleaseResponse struct {
	Booking     domain.Booking `json:"booking"`
	BilledHours int            `json:"billed_hours"`
	Amount      float64        `json:"amount"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

func mapUsers(users []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(users))
	for _, u := range users {
		res = append(res, userResponse(u))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		out.Payload = json.RawMessage(e.Payload)
	}
	return out
}

func mapEvents(events []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(events))
	for _, e := range events {
		res = append(res, eventResponse(e))
	}
	return res
}
