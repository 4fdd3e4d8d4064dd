package notify

import (
	"fmt"
	"log"

	"github.com/resendlabs/resend-go"
)

// Notifier sends best-effort member emails. A nil Notifier is valid and
// silently drops everything, so callers never need to branch on configuration.
type Notifier struct {
	resend    *resend.Client
	fromEmail string
	fromName  string
}

// New creates a notifier, or nil when no API key is configured.
func New(apiKey, fromEmail, fromName string) *Notifier {
	if apiKey == "" {
		log.Println("email notifications not configured (RESEND_API_KEY not set)")
		return nil
	}
	return &Notifier{
		resend:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

// SendEnrollmentWelcome emails a member after their fingerprint is enrolled.
func (n *Notifier) SendEnrollmentWelcome(memberName, memberEmail string) error {
	if n == nil {
		return nil
	}
	if memberEmail == "" {
		return fmt.Errorf("member %s has no email on file", memberName)
	}
	request := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", n.fromName, n.fromEmail),
		To:      []string{memberEmail},
		Subject: "Your fingerprint access is ready",
		Html: fmt.Sprintf(
			"<p>Hi %s,</p><p>Your fingerprint has been enrolled. You can now check in at the door reader during gym hours.</p>",
			memberName),
	}
	if _, err := n.resend.Emails.Send(request); err != nil {
		return fmt.Errorf("failed to send welcome email: %w", err)
	}
	return nil
}
