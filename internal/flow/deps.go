package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// LeadRepository is the part of the store the agents read and write leads through.
type LeadRepository interface {
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	UpdateLead(ctx context.Context, lead *models.Lead, comms ...models.Communication) error
	ListCommunications(ctx context.Context, leadID string) ([]models.Communication, error)
}

// SlotRepository is the part of the store used by the scheduling tools.
type SlotRepository interface {
	ListSlots(ctx context.Context, from, to time.Time, status models.SlotStatus) ([]models.AppointmentSlot, error)
	FindSlotByStart(ctx context.Context, start time.Time) (*models.AppointmentSlot, error)
	BookSlot(ctx context.Context, slotID, leadID, reason, method string) (*models.AppointmentSlot, error)
}

// Messenger delivers outbound messages by channel. messaging.Dispatcher satisfies it.
type Messenger interface {
	Has(ch models.Channel) bool
	Send(ctx context.Context, ch models.Channel, msg messaging.Message) (string, error)
}

// outboundChannel picks a deliverable text channel for the lead, starting
// from preferred and falling back to email.
func outboundChannel(m Messenger, lead *models.Lead, preferred models.Channel) models.Channel {
	if preferred != "" && preferred != models.ChannelVoice && m.Has(preferred) && lead.AddressFor(preferred) != "" {
		return preferred
	}
	return models.ChannelEmail
}
