package relay

import (
	"errors"
	"fmt"

	"bot-relay/internal/connections"
)

// Prompts renders the fixed replies the relay sends instead of an AI answer.
type Prompts struct {
	DashboardURL string
}

func (p Prompts) link(path string) string {
	return p.DashboardURL + path
}

// Connect asks a never-seen chat to link an account.
func (p Prompts) Connect() string {
	return fmt.Sprintf("Hi! This chat isn't linked to an account yet. Open %s to connect it, then tap the link you get there.", p.link("/connections"))
}

// FinishConnecting tells a previously linked chat to reconnect.
func (p Prompts) FinishConnecting() string {
	return fmt.Sprintf("This chat is no longer connected to your account. Create a new connect link at %s to continue.", p.link("/connections"))
}

// Billing asks the user to start or fix their subscription.
func (p Prompts) Billing() string {
	return fmt.Sprintf("Your subscription isn't active, so I can't reply right now. Manage your plan at %s.", p.link("/billing"))
}

// TopUp tells the user they ran out of credits.
func (p Prompts) TopUp() string {
	return fmt.Sprintf("You're out of message credits. Top up at %s and send your message again.", p.link("/billing"))
}

// Apology replaces an AI reply that could not be produced.
func (p Prompts) Apology() string {
	return "Sorry, I couldn't come up with a reply just now. Please try again in a moment."
}

// Bound confirms a completed handshake.
func (p Prompts) Bound() string {
	return "You're connected! Send me a message any time."
}

// BindFailed explains why a connect token was refused.
func (p Prompts) BindFailed(err error) string {
	switch {
	case errors.Is(err, connections.ErrPlatformMismatch):
		return "That connect link was created for a different app. Create a new one for this app from your dashboard."
	case errors.Is(err, connections.ErrAlreadyBound):
		return "That connect link is already used by another chat. Create a new link from your dashboard to connect this one."
	default:
		return fmt.Sprintf("That connect link is invalid or has expired. Create a new one at %s.", p.link("/connections"))
	}
}
