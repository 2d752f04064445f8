package timeclock

import "time"

type EventType string

const (
	EventEntrada        EventType = "entrada"
	EventSalida         EventType = "salida"
	EventInicioDescanso EventType = "inicio_descanso"
	EventFinDescanso    EventType = "fin_descanso"
)

var EventTypes = []EventType{EventEntrada, EventSalida, EventInicioDescanso, EventFinDescanso}

func (e EventType) Valid() bool {
	switch e {
	case EventEntrada, EventSalida, EventInicioDescanso, EventFinDescanso:
		return true
	}
	return false
}

type CredentialState string

const (
	CredentialUnenrolled CredentialState = "unenrolled"
	CredentialPending    CredentialState = "pending"
	CredentialEnabled    CredentialState = "enabled"
)

// Credential is an employee's TOTP enrollment. SecretEnc holds the sealed
// shared secret and is never serialized.
type Credential struct {
	EmployeeID   string          `json:"employeeId"`
	State        CredentialState `json:"state"`
	SecretEnc    []byte          `json:"-"`
	LastUsedStep int64           `json:"-"`
}

// ClockEvent is one immutable ledger record.
type ClockEvent struct {
	Sequence      int64     `json:"sequenceNumber"`
	EmployeeID    string    `json:"employeeId"`
	EventType     EventType `json:"eventType"`
	Timestamp     time.Time `json:"timestamp"`
	SourceAddress string    `json:"sourceAddress"`
	PreviousHash  string    `json:"previousHash"`
	Hash          string    `json:"hash"`
}

// Head is the tail of the chain. Sequence is -1 for an empty ledger.
type Head struct {
	Sequence  int64     `json:"sequence"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

func emptyHead() Head {
	return Head{Sequence: -1, Hash: GenesisHash}
}

func (h Head) Empty() bool {
	return h.Sequence < 0
}

type Filter struct {
	EmployeeID string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

func (f Filter) matches(ev ClockEvent) bool {
	if f.EmployeeID != "" && ev.EmployeeID != f.EmployeeID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Enrollment is returned exactly once, when enrollment begins.
type Enrollment struct {
	EmployeeID      string `json:"employeeId"`
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioningUri"`
	QRCodePNG       []byte `json:"qrCodePng"`
}

type ClockRequest struct {
	EmployeeID    string
	EventType     EventType
	Code          string
	SourceAddress string
}

type EmployeeStatus struct {
	EmployeeID string      `json:"employeeId"`
	Status     Status      `json:"status"`
	LastEvent  *ClockEvent `json:"lastEvent,omitempty"`
}
