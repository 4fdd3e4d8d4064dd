package event

import "time"

// Kind classifies a canonical device event.
type Kind string

const (
	KindAccessGranted Kind = "accessGranted"
	KindAccessDenied  Kind = "accessDenied"
	KindEnrollment    Kind = "enrollmentData"
	KindHeartbeat     Kind = "heartbeat"
	KindUnknown       Kind = "unknownMessage"
)

// Canonical is the transport-agnostic representation of a device message.
// Downstream components switch on Kind instead of probing optional fields.
type Canonical struct {
	Kind         Kind
	DeviceID     string
	UserID       string // device-assigned subject identifier
	MemberIDHint string // explicit member id when the device reports one
	Timestamp    time.Time
	Status       string
	EnrollStep   string
	ErrorDetail  string

	// heartbeat telemetry
	IPAddress      string
	WifiRSSI       int
	FreeHeap       int
	EnrolledPrints int

	Raw string // original payload, preserved for the audit trail
}
