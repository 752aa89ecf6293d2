package domain

// Booking status values.
const (
	BookingActive    = "ACTIVE"
	BookingCompleted = "COMPLETED"
)

// User roles.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Job record status values.
const (
	JobPending    = "PENDING"
	JobInProgress = "IN_PROGRESS"
	JobDone       = "DONE"
	JobFailed     = "FAILED"
)

type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         string `json:"role" enum:"USER,ADMIN"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type ParkingLot struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Address      string  `json:"address,omitempty"`
	PinCode      string  `json:"pin_code,omitempty"`
	TotalSlots   int     `json:"total_slots"`
	PricePerHour float64 `json:"price_per_hour"`
}

// LotSummary is the projection served by lot listings: a lot plus its
// current free-slot count. This is what the lot cache stores.
type LotSummary struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Address      string  `json:"address,omitempty"`
	PinCode      string  `json:"pin_code,omitempty"`
	TotalSlots   int     `json:"total_slots"`
	FreeSlots    int     `json:"free_slots"`
	PricePerHour float64 `json:"price_per_hour"`
}

type ParkingSlot struct {
	ID         int64  `json:"id"`
	LotID      int64  `json:"lot_id"`
	SlotNumber string `json:"slot_number"`
	IsOccupied bool   `json:"is_occupied"`
}

type Booking struct {
	ID            int64   `json:"id"`
	UserID        int64   `json:"user_id"`
	SlotID        int64   `json:"slot_id"`
	VehicleNumber string  `json:"vehicle_number"`
	StartTime     string  `json:"start_time" format:"date-time"`
	EndTime       *string `json:"end_time,omitempty" format:"date-time"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status" enum:"ACTIVE,COMPLETED"`
}

type JobRecord struct {
	ID           int64   `json:"id"`
	UserID       int64   `json:"user_id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status" enum:"PENDING,IN_PROGRESS,DONE,FAILED"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Result       *string `json:"result,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
