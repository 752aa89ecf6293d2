package parkingsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal parking HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Lot represents a lot listing entry with its free-slot count.
type Lot struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Address      string  `json:"address"`
	PinCode      string  `json:"pin_code"`
	TotalSlots   int     `json:"total_slots"`
	FreeSlots    int     `json:"free_slots"`
	PricePerHour float64 `json:"price_per_hour"`
}

// Slot represents one parking slot.
type Slot struct {
	ID         int64  `json:"id"`
	LotID      int64  `json:"lot_id"`
	SlotNumber string `json:"slot_number"`
	IsOccupied bool   `json:"is_occupied"`
}

// Booking represents a booking.
type Booking struct {
	ID            int64   `json:"id"`
	UserID        int64   `json:"user_id"`
	SlotID        int64   `json:"slot_id"`
	VehicleNumber string  `json:"vehicle_number"`
	StartTime     string  `json:"start_time"`
	EndTime       *string `json:"end_time,omitempty"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
}

// Release is the result of releasing a booking.
type Release struct {
	Booking     Booking `json:"booking"`
	BilledHours int     `json:"billed_hours"`
	Amount      float64 `json:"amount"`
}

// Job represents a background job record.
type Job struct {
	ID           int64   `json:"id"`
	UserID       int64   `json:"user_id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Result       *string `json:"result,omitempty"`
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, name, email, password string) (User, error) {
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "v1/auth/register", map[string]any{
		"name":     name,
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "v1/auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Lots returns the lot listing, optionally filtered by pin code.
func (c *Client) Lots(ctx context.Context, pinCode string) ([]Lot, error) {
	endpoint := "v1/lots"
	if pinCode != "" {
		endpoint += "?pin_code=" + url.QueryEscape(pinCode)
	}
	var resp []Lot
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// FreeSlots returns a lot's unoccupied slots.
func (c *Client) FreeSlots(ctx context.Context, lotID int64) ([]Slot, error) {
	var resp struct {
		Slots []Slot `json:"slots"`
	}
	endpoint := fmt.Sprintf("v1/lots/%d/slots?only_free=true", lotID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Slots, err
}

// Book claims a slot.
func (c *Client) Book(ctx context.Context, slotID int64, vehicleNumber string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodPost, "v1/bookings", map[string]any{
		"slot_id":        slotID,
		"vehicle_number": vehicleNumber,
	}, &resp)
	return resp, err
}

// ReleaseBooking releases a booking and returns the charge.
func (c *Client) ReleaseBooking(ctx context.Context, bookingID int64) (Release, error) {
	var resp Release
	endpoint := fmt.Sprintf("v1/bookings/%d/release", bookingID)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// History returns the caller's bookings, newest first.
func (c *Client) History(ctx context.Context) ([]Booking, error) {
	var resp []Booking
	err := c.do(ctx, http.MethodGet, "v1/users/me/bookings", nil, &resp)
	return resp, err
}

// StartExport submits a CSV export of the caller's booking history.
func (c *Client) StartExport(ctx context.Context) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs/exports", nil, &resp)
	return resp, err
}

// Job fetches a job record.
func (c *Client) Job(ctx context.Context, jobID int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/jobs/%d", jobID), nil, &resp)
	return resp, err
}

// WaitForJob polls a job until it reaches a terminal state.
func (c *Client) WaitForJob(ctx context.Context, jobID int64, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		j, err := c.Job(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if j.Status == "DONE" || j.Status == "FAILED" {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// DownloadArtifact fetches a finished job's artifact bytes.
func (c *Client) DownloadArtifact(ctx context.Context, jobID int64) ([]byte, error) {
	endpoint := fmt.Sprintf("v1/jobs/%d/download", jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
