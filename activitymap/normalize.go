package activitymap

import (
	"strings"
	"time"

	"github.com/goliatone/go-textrace"
)

const (
	// MetadataKeyActorType stores the actor type derived from textrace.ActorRef.Type.
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromStatus stores the source certificate status of a transition.
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the target certificate status of a transition.
	MetadataKeyToStatus = "to_status"
	// MetadataKeyUserID stores the owner when the object is a certificate.
	MetadataKeyUserID = "user_id"
)

const (
	objectTypeCertificate = "certificate"
	objectTypeProfile     = "profile"
	defaultChannel        = "textrace"
	defaultActorID        = "system"
)

// Normalized is a transport-agnostic activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	actorFallback string
	now           func() time.Time
}

// Normalize converts a textrace.ActivityEvent into a generic normalized
// shape. Events about a certificate point at its record id, every other
// event points at the profile.
func Normalize(event textrace.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{
		actorFallback: defaultActorID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorID := firstNonEmpty(
		strings.TrimSpace(event.Actor.ID),
		strings.TrimSpace(event.UserID),
		options.actorFallback,
	)

	objectType, objectID := objectTypeProfile, strings.TrimSpace(event.UserID)
	if recordID := strings.TrimSpace(event.RecordID); recordID != "" {
		objectType, objectID = objectTypeCertificate, recordID
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: objectType,
		ObjectID:   objectID,
		Channel:    firstNonEmpty(options.channel, channelOf(event.EventType)),
		Metadata:   normalizeMetadata(event, objectType),
		OccurredAt: occurredAt.UTC(),
	}
}

// WithChannel forces the channel instead of deriving it from the event type.
func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithActorFallback sets the final actor-id fallback when actor/user ids are empty.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if actorID = strings.TrimSpace(actorID); actorID != "" {
			opts.actorFallback = actorID
		}
	}
}

// WithClock sets the time used for events that carry none.
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// channelOf maps "certificate.issued" to "certificate".
func channelOf(eventType textrace.ActivityEventType) string {
	verb := string(eventType)
	if i := strings.Index(verb, "."); i > 0 {
		return verb[:i]
	}
	return defaultChannel
}

func normalizeMetadata(event textrace.ActivityEvent, objectType string) map[string]any {
	metadata := cloneMap(event.Metadata)
	set := func(key string, value any, overwrite bool) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, exists := metadata[key]; exists && !overwrite {
			return
		}
		metadata[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		set(MetadataKeyActorType, actorType, false)
	}
	if objectType == objectTypeCertificate && event.UserID != "" {
		set(MetadataKeyUserID, event.UserID, false)
	}
	if event.FromStatus != "" {
		set(MetadataKeyFromStatus, string(event.FromStatus), true)
	}
	if event.ToStatus != "" {
		set(MetadataKeyToStatus, string(event.ToStatus), true)
	}

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
