package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

// fakeLLM returns queued responses in order, repeating the last one.
// When failOnCall is set, that call fails with a transient error instead.
type fakeLLM struct {
	responses  []string
	err        error
	failOnCall int
	calls      int
	lastMsgs   []openai.ChatCompletionMessageParamUnion
}

func (f *fakeLLM) next() (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.failOnCall == f.calls {
		return "", errors.New("transient 503")
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *fakeLLM) GenerateWithMessages(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.lastMsgs = msgs
	return f.next()
}

func (f *fakeLLM) GenerateJSON(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.lastMsgs = msgs
	return f.next()
}

func (f *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, errors.New("not implemented")
}

// memStore is an in-memory lead, communication and slot store.
type memStore struct {
	mu    sync.Mutex
	leads map[string]models.Lead
	comms map[string][]models.Communication
	slots map[string]models.AppointmentSlot
	seq   int
}

func newMemStore() *memStore {
	return &memStore{
		leads: map[string]models.Lead{},
		comms: map[string][]models.Communication{},
		slots: map[string]models.AppointmentSlot{},
	}
}

func (m *memStore) addLead(l models.Lead) *models.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status == "" {
		l.Status = models.LeadStatusNew
	}
	m.leads[l.ID] = l
	return &l
}

func (m *memStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, models.ErrLeadNotFound
	}
	return &l, nil
}

func (m *memStore) UpdateLead(ctx context.Context, lead *models.Lead, comms ...models.Communication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leads[lead.ID]
	if !ok {
		return models.ErrLeadNotFound
	}
	if !models.CanTransition(cur.Status, lead.Status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, cur.Status, lead.Status)
	}
	m.leads[lead.ID] = *lead
	for _, c := range comms {
		m.appendComm(lead.ID, c)
	}
	return nil
}

func (m *memStore) appendComm(leadID string, c models.Communication) {
	m.seq++
	c.ID = fmt.Sprintf("c%d", m.seq)
	c.LeadID = leadID
	m.comms[leadID] = append(m.comms[leadID], c)
}

func (m *memStore) addIncoming(leadID string, typ models.CommunicationType, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendComm(leadID, models.Communication{Type: typ, Direction: models.DirectionIncoming, Content: content})
}

func (m *memStore) ListCommunications(ctx context.Context, leadID string) ([]models.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Communication(nil), m.comms[leadID]...), nil
}

func (m *memStore) addSlot(id string, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[id] = models.AppointmentSlot{ID: id, StartTime: start.UTC(), EndTime: start.Add(30 * time.Minute).UTC(), Status: models.SlotStatusAvailable}
}

func (m *memStore) ListSlots(ctx context.Context, from, to time.Time, status models.SlotStatus) ([]models.AppointmentSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AppointmentSlot
	for _, s := range m.slots {
		if !s.StartTime.Before(from) && s.StartTime.Before(to) && (status == "" || s.Status == status) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memStore) FindSlotByStart(ctx context.Context, start time.Time) (*models.AppointmentSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.StartTime.Equal(start) {
			return &s, nil
		}
	}
	return nil, models.ErrSlotNotFound
}

func (m *memStore) BookSlot(ctx context.Context, slotID, leadID, reason, method string) (*models.AppointmentSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return nil, models.ErrSlotNotFound
	}
	if s.Status != models.SlotStatusAvailable {
		return nil, models.ErrSlotUnavailable
	}
	s.Status, s.LeadID, s.ReasonForVisit, s.BookedByMethod = models.SlotStatusBooked, leadID, reason, method
	m.slots[slotID] = s
	return &s, nil
}

type sentMessage struct {
	channel models.Channel
	msg     messaging.Message
}

type fakeMessenger struct {
	channels map[models.Channel]bool
	sent     []sentMessage
	err      error
}

func newFakeMessenger(chs ...models.Channel) *fakeMessenger {
	f := &fakeMessenger{channels: map[models.Channel]bool{}}
	for _, c := range chs {
		f.channels[c] = true
	}
	return f
}

func (f *fakeMessenger) Has(ch models.Channel) bool { return f.channels[ch] }

func (f *fakeMessenger) Send(ctx context.Context, ch models.Channel, msg messaging.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{channel: ch, msg: msg})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}
