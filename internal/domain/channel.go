package domain

import (
	"context"
	"net/http"
)

// Adapter is one connected chat platform as seen by the relay hub.
// Send calls are synchronous and return the platform-assigned message id.
type Adapter interface {
	Name() string
	SendMessage(ctx context.Context, msg Message) (string, error)
	SendReply(ctx context.Context, msg Message, refNativeID string) (string, error)
	RecallMessage(ctx context.Context, nativeID string) error
	// Start launches the adapter's connection workers and returns immediately.
	Start(ctx context.Context) error
	// Join blocks until every worker started by Start has exited.
	Join()
}

// Relay receives normalized inbound events from adapters.
type Relay interface {
	NewMessage(ctx context.Context, origin string, msg Message)
	ReplyMessage(ctx context.Context, origin string, msg Message, refID string)
	RecallMessage(ctx context.Context, origin, originID string)
}

// FetchOptions tune a single attachment download.
type FetchOptions struct {
	Header   http.Header
	Identity string // recorded and logged instead of the download URL
}

type FetchOption func(*FetchOptions)

// WithHeader adds a request header, e.g. a bearer token for private files.
func WithHeader(key, value string) FetchOption {
	return func(o *FetchOptions) {
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Set(key, value)
	}
}

// WithIdentity names the file by id instead of by its download URL, for
// URLs that embed a credential.
func WithIdentity(id string) FetchOption {
	return func(o *FetchOptions) { o.Identity = id }
}

// AttachmentFetcher downloads remote media once per cache key and returns
// the local path.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, url, key string, opts ...FetchOption) (string, error)
}
