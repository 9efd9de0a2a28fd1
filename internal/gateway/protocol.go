package gateway

// Frame discriminators. Every socket message is one type byte followed by its
// payload.
const (
	MessageSync      byte = 0
	MessageAwareness byte = 1
)

// DefaultSyncRequestMaxBytes is the largest SYNC payload treated as a request
// for the full state rather than as an update. Longer payloads made of whole
// change hashes are state vectors and are answered the same way.
const DefaultSyncRequestMaxBytes = 10

func frame(kind byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, kind)
	return append(out, payload...)
}

func frameKind(kind byte) string {
	switch kind {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	default:
		return "unknown"
	}
}
