package event

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// wireMessage covers the JSON shapes sent by both legacy devices and ESP32 webhooks.
type wireMessage struct {
	DeviceID       string          `json:"deviceId"`
	DeviceType     string          `json:"deviceType"`
	Event          string          `json:"event"`
	Status         string          `json:"status"`
	Timestamp      string          `json:"timestamp"`
	UserID         json.RawMessage `json:"userId"`
	MemberID       json.RawMessage `json:"memberId"`
	EnrollmentStep string          `json:"enrollmentStep"`
	Error          string          `json:"error"`
	IPAddress      string          `json:"ip_address"`
	WifiRSSI       int             `json:"wifi_rssi"`
	FreeHeap       int             `json:"free_heap"`
	EnrolledPrints int             `json:"enrolled_prints"`
}

// Normalize parses a raw device message into a canonical event. Format detection
// order: JSON object, device XML, comma-delimited positional fields, opaque raw
// string. It never fails: unparseable input yields a KindUnknown event stamped
// at receivedAt.
func Normalize(raw string, receivedAt time.Time) Canonical {
	msg := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(msg, "{"):
		return normalizeJSON(msg, receivedAt)
	case strings.HasPrefix(msg, "<?xml") || strings.Contains(msg, "<Message>"):
		return normalizeXML(msg, receivedAt)
	case strings.Contains(msg, ","):
		return normalizeDelimited(msg, receivedAt)
	default:
		return Canonical{Kind: KindUnknown, Timestamp: receivedAt, Raw: msg}
	}
}

func normalizeJSON(msg string, receivedAt time.Time) Canonical {
	var w wireMessage
	if err := json.Unmarshal([]byte(msg), &w); err != nil {
		return Canonical{Kind: KindUnknown, Timestamp: receivedAt, ErrorDetail: err.Error(), Raw: msg}
	}
	ev := Canonical{
		DeviceID:       w.DeviceID,
		UserID:         rawString(w.UserID),
		MemberIDHint:   rawString(w.MemberID),
		Timestamp:      parseTimestamp(w.Timestamp, receivedAt),
		Status:         w.Status,
		EnrollStep:     w.EnrollmentStep,
		ErrorDetail:    w.Error,
		IPAddress:      w.IPAddress,
		WifiRSSI:       w.WifiRSSI,
		FreeHeap:       w.FreeHeap,
		EnrolledPrints: w.EnrolledPrints,
		Raw:            msg,
	}
	ev.Kind = classify(w.Event, w.Status, w.EnrollmentStep)
	return ev
}

func normalizeDelimited(msg string, receivedAt time.Time) Canonical {
	// Legacy positional format: userId,timestamp,status,deviceId[,memberId]
	parts := strings.Split(msg, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	ev := Canonical{Timestamp: receivedAt, Raw: msg}
	if len(parts) > 0 {
		ev.UserID = parts[0]
	}
	if len(parts) > 1 {
		ev.Timestamp = parseTimestamp(parts[1], receivedAt)
	}
	if len(parts) > 2 {
		ev.Status = parts[2]
	}
	if len(parts) > 3 {
		ev.DeviceID = parts[3]
	}
	if len(parts) > 4 {
		ev.MemberIDHint = parts[4]
	}
	ev.Kind = classify("", ev.Status, "")
	return ev
}

// classify maps raw event/status fields onto a kind. Priority-ordered predicate
// checks, first match wins.
func classify(eventField, status, enrollStep string) Kind {
	switch {
	case status == "authorized" || status == "1":
		return KindAccessGranted
	case status == "unauthorized" || status == "0":
		return KindAccessDenied
	case strings.HasPrefix(status, "enrollment_") || status == "enrolled" ||
		enrollStep != "" || eventField == "Enroll":
		return KindEnrollment
	case eventField == "heartbeat" || status == "heartbeat":
		return KindHeartbeat
	default:
		return KindUnknown
	}
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// some firmware sends epoch seconds
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 1_000_000_000 {
		return time.Unix(n, 0).UTC()
	}
	return fallback
}

// rawString accepts both string and numeric JSON values; device firmware is
// inconsistent about quoting ids.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}

var xmlFieldRe = regexp.MustCompile(`<(\w+)>([^<]*)</\w+>`)

// normalizeXML extracts fields from the access terminal's XML frames. The frames
// are fragments rather than well-formed documents, so fields are pulled with a
// tag regex the same way the terminal vendor's examples do.
func normalizeXML(msg string, receivedAt time.Time) Canonical {
	fields := map[string]string{}
	for _, m := range xmlFieldRe.FindAllStringSubmatch(msg, -1) {
		fields[m[1]] = m[2]
	}

	ev := Canonical{
		UserID:   fields["UserID"],
		DeviceID: fields["DeviceUID"],
		Raw:      msg,
	}
	if ev.DeviceID == "" {
		ev.DeviceID = fields["TerminalType"]
	}

	ev.Timestamp = receivedAt
	if t, ok := xmlTimestamp(fields); ok {
		ev.Timestamp = t
	}

	switch evt := fields["Event"]; {
	case evt == "TimeLog" && fields["VerifMode"] == "FP" && ev.UserID != "":
		ev.Status = "authorized"
	case evt == "Enroll" || evt == "EnrollUser" || evt == "UserEnroll":
		ev.Status = "enrollment_success"
	case evt == "Delete" || evt == "DeleteUser":
		ev.Status = "user_deleted"
	}
	ev.Kind = classify("", ev.Status, "")
	return ev
}

func xmlTimestamp(fields map[string]string) (time.Time, bool) {
	parts := make([]int, 6)
	for i, name := range []string{"Year", "Month", "Day", "Hour", "Minute", "Second"} {
		v, err := strconv.Atoi(fields[name])
		if err != nil {
			return time.Time{}, false
		}
		parts[i] = v
	}
	return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.UTC), true
}
