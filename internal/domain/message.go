package domain

import "slices"

// AttachmentKind tells adapters whether a file can be sent inline as an image.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentOther AttachmentKind = "other"
)

// Attachment is a media file already downloaded into the attachment cache.
type Attachment struct {
	Kind     AttachmentKind
	Path     string // local cache path
	URL      string // source URL on the origin platform
	Filename string
	MimeType string // empty when the origin platform did not report one
}

// IsImage reports whether the attachment should be rendered as an image.
func (a Attachment) IsImage() bool { return a.Kind == AttachmentImage }

// Message is one normalized chat message. It is built once by the adapter
// that received it and passed by value afterwards.
type Message struct {
	Origin      string // platform name of the adapter that produced it
	OriginID    string // platform-local message id
	Author      string // display name
	Text        string
	Attachments []Attachment
	ReplyTo     string // origin-local id of the replied-to message, if any
}

// NewMessage builds a Message that owns its own copy of attachments.
func NewMessage(origin, originID, author, text string, attachments []Attachment, replyTo string) Message {
	return Message{
		Origin:      origin,
		OriginID:    originID,
		Author:      author,
		Text:        text,
		Attachments: slices.Clone(attachments),
		ReplyTo:     replyTo,
	}
}

// IsReply reports whether the message carries a reply marker.
func (m Message) IsReply() bool { return m.ReplyTo != "" }

// Empty reports whether there is nothing to relay.
func (m Message) Empty() bool { return m.Text == "" && len(m.Attachments) == 0 }
