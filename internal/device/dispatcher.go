package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"gymgate/internal/audit"
)

// Commands understood by ESP32 door controllers.
const (
	CommandUnlock           = "unlock"
	CommandStartEnrollment  = "start_enrollment"
	CommandCancelEnrollment = "cancel_enrollment"
	CommandSyncMembers      = "sync_members"
)

// ErrNoRecentHeartbeat means the device has not reported within the heartbeat
// window; it is presumed offline and commands are not queued.
var ErrNoRecentHeartbeat = errors.New("device has no recent heartbeat; presumed offline")

// HeartbeatSource resolves device liveness and network addresses.
type HeartbeatSource interface {
	LatestHeartbeat(ctx context.Context, deviceID string, window time.Duration) (*audit.Heartbeat, error)
	RecentHeartbeats(ctx context.Context, window time.Duration) ([]audit.Heartbeat, error)
}

// AuditLogger appends dispatch attempts to the audit trail.
type AuditLogger interface {
	Insert(ctx context.Context, ev audit.Event) (string, error)
}

// Dispatcher sends best-effort out-of-band commands to devices over HTTP,
// resolving each device's address from its most recent heartbeat.
type Dispatcher struct {
	heartbeats HeartbeatSource
	auditLog   AuditLogger
	http       *http.Client
	window     time.Duration
}

// NewDispatcher creates a dispatcher with the given command timeout and
// heartbeat freshness window.
func NewDispatcher(hb HeartbeatSource, auditLog AuditLogger, cmdTimeout, heartbeatWindow time.Duration) *Dispatcher {
	if cmdTimeout <= 0 {
		cmdTimeout = 5 * time.Second
	}
	if heartbeatWindow <= 0 {
		heartbeatWindow = 5 * time.Minute
	}
	return &Dispatcher{
		heartbeats: hb,
		auditLog:   auditLog,
		http:       &http.Client{Timeout: cmdTimeout},
		window:     heartbeatWindow,
	}
}

type commandPayload struct {
	DeviceID  string         `json:"deviceId"`
	Command   string         `json:"command"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
}

// SendCommand posts a command to the device's /command endpoint. Network
// errors and timeouts resolve as sent-outcome-unknown rather than failing the
// caller; the device may still report the result through its own webhook. A
// device with no recent heartbeat fails fast with ErrNoRecentHeartbeat.
// Every attempt is audit-logged.
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID, command string, data map[string]any) error {
	hb, err := d.heartbeats.LatestHeartbeat(ctx, deviceID, d.window)
	if err != nil {
		return fmt.Errorf("resolve device %s: %w", deviceID, err)
	}
	if hb == nil || hb.IPAddress == "" {
		d.logAttempt(ctx, deviceID, command, data, false, ErrNoRecentHeartbeat.Error())
		return fmt.Errorf("device %s: %w", deviceID, ErrNoRecentHeartbeat)
	}

	payload := commandPayload{
		DeviceID:  deviceID,
		Command:   command,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    "gymgate",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/command", hb.IPAddress), bytes.NewReader(body))
	if err != nil {
		d.logAttempt(ctx, deviceID, command, data, false, err.Error())
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		// sent, outcome unknown; do not block admin workflows on flaky device networks
		log.Printf("command %s to %s: transport error treated as sent: %v", command, deviceID, err)
		d.logAttempt(ctx, deviceID, command, data, true, err.Error())
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("command %s to %s: device answered %d", command, deviceID, resp.StatusCode)
		d.logAttempt(ctx, deviceID, command, data, true, fmt.Sprintf("device status %d", resp.StatusCode))
		return nil
	}
	d.logAttempt(ctx, deviceID, command, data, true, "")
	return nil
}

func (d *Dispatcher) logAttempt(ctx context.Context, deviceID, command string, data map[string]any, success bool, errMsg string) {
	raw, _ := json.Marshal(map[string]any{"command": command, "data": data})
	ev := audit.Event{
		EventType: audit.TypeDeviceCommand,
		DeviceID:  deviceID,
		Success:   success,
		RawData:   raw,
	}
	if errMsg != "" {
		ev.ErrorMessage = &errMsg
	}
	if _, err := d.auditLog.Insert(ctx, ev); err != nil {
		log.Printf("failed to audit device command: %v", err)
	}
}

// Unlock asks a device to open its door.
func (d *Dispatcher) Unlock(ctx context.Context, deviceID, reason string) error {
	return d.SendCommand(ctx, deviceID, CommandUnlock, map[string]any{"reason": reason})
}

// StartEnrollment puts a specific device into capture mode for a member.
func (d *Dispatcher) StartEnrollment(ctx context.Context, deviceID string, memberID int64, memberName string) error {
	return d.SendCommand(ctx, deviceID, CommandStartEnrollment, map[string]any{
		"memberId":   memberID,
		"memberName": memberName,
	})
}

// CancelEnrollmentAll fans a cancel command out to every device with a recent
// heartbeat. Cancellation is broadcast, not targeted: the enrollment session
// does not track which physical device is mid-capture. Returns how many
// devices were addressed.
func (d *Dispatcher) CancelEnrollmentAll(ctx context.Context, reason string) int {
	hbs, err := d.heartbeats.RecentHeartbeats(ctx, d.window)
	if err != nil {
		log.Printf("cancel fan-out: heartbeat query failed: %v", err)
		return 0
	}
	sent := 0
	for _, hb := range hbs {
		if err := d.SendCommand(ctx, hb.DeviceID, CommandCancelEnrollment, map[string]any{"reason": reason}); err != nil {
			log.Printf("cancel to %s failed: %v", hb.DeviceID, err)
			continue
		}
		sent++
	}
	return sent
}

// SyncMembersAll tells every online device to refresh its local member
// roster, after a deactivation or biometric removal. Returns how many devices
// were addressed.
func (d *Dispatcher) SyncMembersAll(ctx context.Context, reason string) int {
	hbs, err := d.heartbeats.RecentHeartbeats(ctx, d.window)
	if err != nil {
		log.Printf("sync fan-out: heartbeat query failed: %v", err)
		return 0
	}
	sent := 0
	for _, hb := range hbs {
		if err := d.SendCommand(ctx, hb.DeviceID, CommandSyncMembers, map[string]any{"reason": reason}); err != nil {
			log.Printf("sync to %s failed: %v", hb.DeviceID, err)
			continue
		}
		sent++
	}
	return sent
}

// Status describes a device's liveness as derived from heartbeat history.
type Status struct {
	DeviceID       string     `json:"device_id"`
	Online         bool       `json:"online"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	IPAddress      string     `json:"ip_address,omitempty"`
	WifiRSSI       int        `json:"wifi_rssi,omitempty"`
	FreeHeap       int        `json:"free_heap,omitempty"`
	EnrolledPrints int        `json:"enrolled_prints,omitempty"`
}

// GetStatus reports whether a device is online (heartbeat within the window)
// along with its latest telemetry.
func (d *Dispatcher) GetStatus(ctx context.Context, deviceID string) (Status, error) {
	hb, err := d.heartbeats.LatestHeartbeat(ctx, deviceID, d.window)
	if err != nil {
		return Status{}, err
	}
	if hb == nil {
		return Status{DeviceID: deviceID, Online: false}, nil
	}
	return Status{
		DeviceID:       deviceID,
		Online:         true,
		LastSeen:       &hb.LastSeen,
		IPAddress:      hb.IPAddress,
		WifiRSSI:       hb.WifiRSSI,
		FreeHeap:       hb.FreeHeap,
		EnrolledPrints: hb.EnrolledPrints,
	}, nil
}
