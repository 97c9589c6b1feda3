package observability

import "go.opentelemetry.io/otel/attribute"

// Attribute key helpers used across spans and events, per
// SPEC_FULL.md's AMBIENT STACK "Metrics & tracing" section.

// Track names the track a span/event concerns.
func Track(name string) attribute.KeyValue { return attribute.String("moq.track", name) }

// Group identifies a group id.
func Group(id int64) attribute.KeyValue { return attribute.Int64("moq.group", id) }

// GroupSequence is an alias for Group used where the caller's value is a
// sequence number rather than a raw group id.
func GroupSequence(seq int64) attribute.KeyValue { return attribute.Int64("moq.group", seq) }

// Frames records a frame/object count.
func Frames(n int64) attribute.KeyValue { return attribute.Int64("moq.frames", n) }

// Broadcast names a broadcast path / namespace.
func Broadcast(path string) attribute.KeyValue { return attribute.String("moq.broadcast", path) }

// Subscribers records a subscriber count.
func Subscribers(n int64) attribute.KeyValue { return attribute.Int64("moq.subscribers", n) }

// Str is a generic string attribute helper for call sites with no
// dedicated helper above.
func Str(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// Num is a generic int64 attribute helper for call sites with no
// dedicated helper above.
func Num(key string, value int64) attribute.KeyValue { return attribute.Int64(key, value) }
