package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// PendingDelivery records a steering message accepted by the transport
// but not yet observed as a user-role session event.
type PendingDelivery struct {
	DeliveryID string
	MessageKey string
	Mode       string // always "steer"
}

// MessageKey fingerprints a user message so a queued steering delivery
// can be matched against the message_start(user) event the transport
// later emits for it. Text is whitespace-normalized; images contribute
// sorted (mimeType|length|data-prefix) triples so ordering differences
// do not break the match.
func MessageKey(text string, images []providers.ImageContent) string {
	parts := []string{strings.Join(strings.Fields(text), " ")}
	triples := make([]string, 0, len(images))
	for _, img := range images {
		prefix := img.Data
		if len(prefix) > 24 {
			prefix = prefix[:24]
		}
		triples = append(triples, fmt.Sprintf("%s|%d|%s", img.MimeType, len(img.Data), prefix))
	}
	sort.Strings(triples)
	return strings.Join(append(parts, triples...), "\x1f")
}
