package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gatekeeper-bot/internal/request"
)

// quote prefixes every line of s so it reads as a block quote.
func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// fillTemplate replaces <user> with mention, or prefixes it when the template
// has no placeholder.
func fillTemplate(tmpl, mention string) string {
	if strings.Contains(tmpl, "<user>") {
		return strings.ReplaceAll(tmpl, "<user>", mention)
	}
	return mention + " " + tmpl
}

func (e *Engine) ticketRequestText(ctx context.Context, r *request.TicketRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket Request #%d\n", r.ID)
	fmt.Fprintf(&b, "%s requested a ticket.", e.platform.Mention(ctx, r.GuildID, r.UserID))
	if r.Reason != "" {
		fmt.Fprintf(&b, " They want to talk about the following:\n%s", quote(r.Reason))
	}
	return b.String()
}

func (e *Engine) verificationText(ctx context.Context, v *request.VerificationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verification Request #%d\n", v.ID)
	fmt.Fprintf(&b, "User: %s\n", e.platform.Mention(ctx, v.GuildID, v.UserID))
	fmt.Fprintf(&b, "Age: %s\n", v.Age)
	fmt.Fprintf(&b, "Gender: %s\n", v.Gender)
	if v.Referrer != "" {
		fmt.Fprintf(&b, "Found us through: %s\n", v.Referrer)
	}
	if v.Reason != "" {
		fmt.Fprintf(&b, "Why they want to join:\n%s", quote(v.Reason))
	}
	return strings.TrimRight(b.String(), "\n")
}

func decidedText(base, verdict, actorMention, reason string) string {
	text := fmt.Sprintf("%s\n\n[%s] by %s", base, verdict, actorMention)
	if reason != "" {
		text += "\nReason:\n" + quote(reason)
	}
	return text
}

// transcript renders a closed ticket as the text file posted to the log channel.
func transcript(t *request.Ticket, owner string, log []request.TranscriptEntry) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket #%d opened by %s on %s\n", t.ID, owner, t.CreatedAt.UTC().Format(time.RFC3339))
	if t.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", t.Reason)
	}
	b.WriteString("\n")
	for _, m := range log {
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			time.Unix(m.CreatedAt, 0).UTC().Format("2006-01-02 15:04:05"), m.AuthorName, m.Content)
	}
	return []byte(b.String())
}
