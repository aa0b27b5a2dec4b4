// Package domain defines core business entities
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RequestStatus is the lifecycle state of a service request
type RequestStatus string

// Service request statuses
const (
	StatusPending    RequestStatus = "PENDING"
	StatusQuoted     RequestStatus = "QUOTED"
	StatusAccepted   RequestStatus = "ACCEPTED"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusCancelled  RequestStatus = "CANCELLED"
)

// Valid reports whether s is a known status
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQuoted, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a worker bound to a request in this status is busy
func (s RequestStatus) Active() bool {
	return s == StatusAccepted || s == StatusInProgress
}

// Priority is informational and never affects the workflow
type Priority string

// Request priorities
const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Location is a coordinate pair with a free-text address
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// Validate checks coordinate ranges. NaN and infinities are rejected.
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || math.IsNaN(l.Longitude) {
		return fmt.Errorf("%w: coordinates must be numbers", ErrValidation)
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidation, l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidation, l.Longitude)
	}
	return nil
}

// ServiceRequest is one help request raised by a stranded vehicle owner
type ServiceRequest struct {
	ID                  string        `json:"id"`
	RequesterID         string        `json:"requesterId"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	IssueDescription    string        `json:"issueDescription"`
	VehicleInfo         string        `json:"vehicleInfo,omitempty"`
	ContactPhone        string        `json:"contactPhone,omitempty"`
	WorkshopID          *string       `json:"workshopId,omitempty"`
	AssignedWorkerID    *string       `json:"assignedWorkerId,omitempty"`
	Status              RequestStatus `json:"status"`
	Priority            Priority      `json:"priority"`
	Location            Location      `json:"location"`
	TrackingCode        string        `json:"trackingCode"`
	PreferredStart      *time.Time    `json:"preferredStart,omitempty"`
	PreferredEnd        *time.Time    `json:"preferredEnd,omitempty"`
	EstimatedCompletion *time.Time    `json:"estimatedCompletion,omitempty"`
	CompletedAt         *time.Time    `json:"completedAt,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// HasWorkshop reports whether a workshop is bound to the request
func (r *ServiceRequest) HasWorkshop() bool {
	return r.WorkshopID != nil && *r.WorkshopID != ""
}

// HasWorker reports whether a worker is bound to the request
func (r *ServiceRequest) HasWorker() bool {
	return r.AssignedWorkerID != nil && *r.AssignedWorkerID != ""
}

// Quotation is one workshop's priced offer against a service request.
// Amounts are minor currency units.
type Quotation struct {
	ID               string     `json:"id"`
	ServiceRequestID string     `json:"serviceRequestId"`
	WorkshopID       string     `json:"workshopId"`
	ServiceCharges   int64      `json:"serviceCharges"`
	VariableCost     int64      `json:"variableCost"`
	SparePartsCost   int64      `json:"sparePartsCost"`
	TotalAmount      int64      `json:"totalAmount"`
	Notes            string     `json:"notes,omitempty"`
	ValidUntil       time.Time  `json:"validUntil"`
	IsAccepted       bool       `json:"isAccepted"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Recompute derives TotalAmount from the three cost components
func (q *Quotation) Recompute() {
	q.TotalAmount = q.ServiceCharges + q.VariableCost + q.SparePartsCost
}

// ValidateAmounts rejects negative cost components
func (q *Quotation) ValidateAmounts() error {
	if q.ServiceCharges < 0 || q.VariableCost < 0 || q.SparePartsCost < 0 {
		return fmt.Errorf("%w: monetary values must be non-negative", ErrValidation)
	}
	return nil
}

// Expired reports whether the quotation can no longer be accepted at now
func (q *Quotation) Expired(now time.Time) bool {
	return !q.ValidUntil.After(now)
}

// Worker is a technician belonging to exactly one workshop
type Worker struct {
	ID              string    `json:"id"`
	WorkshopID      string    `json:"workshopId"`
	UserID          string    `json:"userId"`
	Name            string    `json:"name"`
	Specializations []string  `json:"specializations"`
	IsAvailable     bool      `json:"isAvailable"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// WorkshopStatus tells whether a workshop takes new jobs
type WorkshopStatus string

// Workshop statuses
const (
	WorkshopOpen   WorkshopStatus = "OPEN"
	WorkshopClosed WorkshopStatus = "CLOSED"
)

// Valid reports whether s is a known workshop status
func (s WorkshopStatus) Valid() bool {
	return s == WorkshopOpen || s == WorkshopClosed
}

// Workshop is a repair shop in the directory
type Workshop struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Name      string         `json:"name"`
	Phone     string         `json:"phone,omitempty"`
	Location  Location       `json:"location"`
	Status    WorkshopStatus `json:"status"`
	Rating    float64        `json:"rating"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// StatusChange is one append-only history entry of a service request
type StatusChange struct {
	ID               string        `json:"id"`
	ServiceRequestID string        `json:"serviceRequestId"`
	FromStatus       RequestStatus `json:"fromStatus,omitempty"`
	ToStatus         RequestStatus `json:"toStatus"`
	ActorID          string        `json:"actorId"`
	Note             string        `json:"note,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// OutboxEvent is a domain event waiting to be relayed to the broker
type OutboxEvent struct {
	ID          string
	Type        string
	AggregateID string
	Payload     []byte
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// IdempotencyRecord remembers a caller-supplied key for a mutating operation
type IdempotencyRecord struct {
	Key        string
	Operation  string
	ResourceID string
	ActorID    string
	CreatedAt  time.Time
}

// User roles
const (
	RoleCustomer      = "customer"
	RoleMechanic      = "mechanic"
	RoleWorkshopOwner = "workshop_owner"
	RoleAdmin         = "admin"
)

// Actor is the authenticated caller supplied by the identity provider
type Actor struct {
	ID   string
	Role string
}

// IsAdmin reports whether the actor bypasses ownership checks
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// NormalizeTags trims, lowercases and deduplicates specialization tags
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// RequestStatusLabel maps statuses to display labels
var RequestStatusLabel = map[RequestStatus]string{
	StatusPending:    "Waiting for quotations",
	StatusQuoted:     "Quotations received",
	StatusAccepted:   "Workshop confirmed",
	StatusInProgress: "Work in progress",
	StatusCompleted:  "Completed",
	StatusCancelled:  "Cancelled",
}
