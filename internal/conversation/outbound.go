package conversation

import "context"

// ReplyMessenger delivers assistant replies back to the patient.
type ReplyMessenger interface {
	SendReply(ctx context.Context, reply OutboundReply) error
}

// OutboundReply carries the data required to push a message to the user.
// To and From are E.164 numbers; channel prefixes are added by the sender.
type OutboundReply struct {
	To       string
	From     string
	Body     string
	Metadata map[string]string
}
