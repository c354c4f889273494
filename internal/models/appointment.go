package models

import (
	"errors"
	"fmt"
	"time"
)

// SlotStatus is the booking state of an appointment slot.
type SlotStatus string

const (
	SlotStatusAvailable SlotStatus = "available"
	SlotStatusBooked    SlotStatus = "booked"
	SlotStatusCancelled SlotStatus = "cancelled"
)

// Booking methods recorded on a booked slot.
const (
	BookedByAIAgent = "ai_agent"
	BookedByVoice   = "ai_voice"
	BookedByStaff   = "staff"
)

const (
	// MaxBulkSlots caps how many slots a single bulk request may generate.
	MaxBulkSlots = 5000
	dateLayout   = "2006-01-02"
	clockLayout  = "15:04"
)

var (
	ErrInvalidSlotRange    = errors.New("invalid slot range")
	ErrInvalidSlotDuration = errors.New("slot duration must be positive")
	ErrTooManySlots        = errors.New("bulk request generates too many slots")
)

// AppointmentSlot is a bookable time window at the clinic.
type AppointmentSlot struct {
	ID             string     `json:"id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Status         SlotStatus `json:"status"`
	LeadID         string     `json:"lead_id,omitempty"`
	ReasonForVisit string     `json:"reason_for_visit,omitempty"`
	BookedByMethod string     `json:"booked_by_method,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsAvailable reports whether the slot can still be booked.
func (s *AppointmentSlot) IsAvailable() bool {
	return s.Status == SlotStatusAvailable
}

// BulkSlotRequest describes a block of recurring weekday slots.
type BulkSlotRequest struct {
	StartDate           string `json:"start_date"`       // YYYY-MM-DD, inclusive
	EndDate             string `json:"end_date"`         // YYYY-MM-DD, inclusive
	DayStartTime        string `json:"day_start_time"`   // HH:MM
	DayEndTime          string `json:"day_end_time"`     // HH:MM
	SlotDurationMinutes int    `json:"slot_duration_minutes"`
}

// Generate expands the request into available slots in the given location.
// Saturdays and Sundays are skipped; a slot is only emitted if it ends by DayEndTime.
func (r BulkSlotRequest) Generate(loc *time.Location) ([]AppointmentSlot, error) {
	if loc == nil {
		loc = time.UTC
	}
	if r.SlotDurationMinutes <= 0 {
		return nil, ErrInvalidSlotDuration
	}
	startDate, err := time.ParseInLocation(dateLayout, r.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date must be YYYY-MM-DD", ErrInvalidSlotRange)
	}
	endDate, err := time.ParseInLocation(dateLayout, r.EndDate, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: end_date must be YYYY-MM-DD", ErrInvalidSlotRange)
	}
	if endDate.Before(startDate) {
		return nil, fmt.Errorf("%w: end_date before start_date", ErrInvalidSlotRange)
	}
	dayStart, err := time.Parse(clockLayout, r.DayStartTime)
	if err != nil {
		return nil, fmt.Errorf("%w: day_start_time must be HH:MM", ErrInvalidSlotRange)
	}
	dayEnd, err := time.Parse(clockLayout, r.DayEndTime)
	if err != nil {
		return nil, fmt.Errorf("%w: day_end_time must be HH:MM", ErrInvalidSlotRange)
	}
	if !dayEnd.After(dayStart) {
		return nil, fmt.Errorf("%w: day_end_time must be after day_start_time", ErrInvalidSlotRange)
	}

	duration := time.Duration(r.SlotDurationMinutes) * time.Minute
	var slots []AppointmentSlot
	for day := startDate; !day.After(endDate); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), dayStart.Hour(), dayStart.Minute(), 0, 0, loc)
		closing := time.Date(day.Year(), day.Month(), day.Day(), dayEnd.Hour(), dayEnd.Minute(), 0, 0, loc)
		for start := open; !start.Add(duration).After(closing); start = start.Add(duration) {
			slots = append(slots, AppointmentSlot{
				StartTime: start,
				EndTime:   start.Add(duration),
				Status:    SlotStatusAvailable,
			})
			if len(slots) > MaxBulkSlots {
				return nil, ErrTooManySlots
			}
		}
	}
	return slots, nil
}

// BookSlotRequest represents the payload for booking a slot from the admin API.
type BookSlotRequest struct {
	LeadID         string `json:"lead_id"`
	ReasonForVisit string `json:"reason_for_visit,omitempty"`
}
