package models

import "slices"

// Transcript is the ordered, append-only list of messages of one page view. It is not safe for concurrent
// use; the owner serializes access.
type Transcript struct {
	messages []Message
}

// Append adds m at the end of the transcript.
func (t *Transcript) Append(m Message) {
	t.messages = append(t.messages, m)
}

// Messages returns a copy of the messages in the order they were appended.
func (t *Transcript) Messages() []Message {
	return slices.Clone(t.messages)
}

// Newest returns a copy of the messages with the most recent first, which is the order pages display them in.
func (t *Transcript) Newest() []Message {
	ms := slices.Clone(t.messages)
	slices.Reverse(ms)
	return ms
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Empty reports whether no message has been appended yet.
func (t *Transcript) Empty() bool {
	return len(t.messages) == 0
}
