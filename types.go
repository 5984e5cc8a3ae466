package donneur

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-success reply from the REST backend, which reports
// failures as {"error": "..."}.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("donneur api: %d: %s", e.Status, e.Message)
}

// Unauthorized reports a rejected or missing bearer token.
func (e *APIError) Unauthorized() bool {
	return e.Status == 401 || e.Status == 403
}

// ============================================================================
// Accounts
// ============================================================================

// AuthInfo is the account behind a bearer token.
type AuthInfo struct {
	ID   string         `json:"id"`
	Role Role           `json:"role"`
	Data map[string]any `json:"data,omitempty"`
}

type NewReceiver struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	DOB       string `json:"dob"`
}

type Receiver struct {
	ID           string  `json:"id"`
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	DOB          string  `json:"dob"`
	Email        string  `json:"email,omitempty"`
	Balance      float64 `json:"balance"`
	HasAppAccess bool    `json:"has_app_access"`
}

func (r Receiver) Name() string {
	return r.FirstName + " " + r.LastName
}

type Balance struct {
	Balance float64 `json:"balance"`
}

type DonationProfile struct {
	Name       string `json:"name"`
	PictureURL string `json:"picture_url,omitempty"`
	Story      string `json:"story,omitempty"`
}

// IDProfile is the identity check shown to an organization at withdrawal.
type IDProfile struct {
	Name       string  `json:"name"`
	DOB        string  `json:"dob"`
	PictureURL string  `json:"picture_url,omitempty"`
	Balance    float64 `json:"balance"`
}

// Organization is a shelter or other place receivers can withdraw at.
type Organization struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name"`
	Type         string  `json:"type,omitempty"`
	Description  string  `json:"description,omitempty"`
	Phone        string  `json:"phone,omitempty"`
	ImageURL     string  `json:"image_url,omitempty"`
	Occupancy    int     `json:"occupancy"`
	MaxOccupancy int     `json:"max_occupancy,omitempty"`
	Address      Address `json:"address"`
}

type Address struct {
	Street     string  `json:"street"`
	Apt        string  `json:"apt,omitempty"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	PostalCode string  `json:"postalcode"`
	Country    string  `json:"country,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

// Line renders the address on one line.
func (a Address) Line() string {
	return fmt.Sprintf("%s, %s, %s, %s", a.Street, a.City, a.State, a.PostalCode)
}

type Friend struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// ============================================================================
// Transactions
// ============================================================================

// Transaction types as stored by the backend.
const (
	TxDonation   = "donation"
	TxWithdrawal = "withdrawal"
	TxSend       = "send"
)

type Transaction struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	SenderID     string  `json:"sender_id"`
	ReceiverID   string  `json:"receiver_id"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency,omitempty"`
	Confirmed    bool    `json:"confirmed"`
	CreationDate string  `json:"creation_date"`
}

type TransferRequest struct {
	ReceiverID string  `json:"receiver_id"`
	Amount     float64 `json:"amount"`
}

// TransactionView is a transaction as shown to one of its parties.
type TransactionView struct {
	ID          string
	Direction   string // "deposit" or "withdrawal"
	Amount      float64
	Category    string
	Description string
	At          time.Time
}

// View renders t from the point of view of selfID. Money coming in is
// positive, money going out negative.
func (t Transaction) View(selfID string) TransactionView {
	received := t.ReceiverID == selfID
	v := TransactionView{
		ID:       t.ID,
		Category: t.Type,
		Amount:   t.Amount,
	}
	if v.Category == "" {
		v.Category = "transfer"
	}
	if received {
		v.Direction = "deposit"
	} else {
		v.Direction = "withdrawal"
		v.Amount = -t.Amount
	}
	switch t.Type {
	case TxDonation:
		v.Description = "Anonymous Donation"
	case TxWithdrawal:
		v.Description = "Withdrawal at " + t.ReceiverID
	case TxSend:
		if received {
			v.Description = "Payment received from " + t.SenderID
		} else {
			v.Description = "Payment sent to " + t.ReceiverID
		}
	default:
		v.Description = "Transfer"
	}
	// the backend writes naive ISO timestamps
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if at, err := time.Parse(layout, t.CreationDate); err == nil {
			v.At = at
			break
		}
	}
	return v
}

// ============================================================================
// Feed (REST)
// ============================================================================

type FeedPost struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Content    map[string]any `json:"content"`
	Visibility string         `json:"visibility"`
	CreatedAt  string         `json:"creation_date,omitempty"`
	Replies    []string       `json:"replies,omitempty"`
}
