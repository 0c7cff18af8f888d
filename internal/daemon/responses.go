package daemon

import (
	"sync"

	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/selftest"
)

// Mailbox holds the latest user response until the controller asks for it at
// the matching checkpoint. It satisfies selftest.ResponseSource.
type Mailbox struct {
	mu       sync.Mutex
	state    selftest.State
	anyState bool
	response model.Response
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Post stores resp for state, or for whatever checkpoint asks next when
// anyState is set. A newer post replaces an unread one.
func (m *Mailbox) Post(state selftest.State, anyState bool, resp model.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.anyState = anyState
	m.response = resp
}

// TakeResponse returns and clears the pending response if it targets s.
func (m *Mailbox) TakeResponse(s selftest.State) model.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.response == model.ResponseNone {
		return model.ResponseNone
	}
	if !m.anyState && m.state != s {
		return model.ResponseNone
	}
	resp := m.response
	m.response = model.ResponseNone
	m.anyState = false
	return resp
}

// Clear drops an unread response.
func (m *Mailbox) Clear() {
	m.Post(selftest.StateIdle, false, model.ResponseNone)
}
