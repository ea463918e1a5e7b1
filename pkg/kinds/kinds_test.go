package kinds_test

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"github.com/relves/familysync/pkg/kinds"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, kinds.RouteKeyPackage, kinds.Classify(443))
	assert.Equal(t, kinds.RouteWelcome, kinds.Classify(444))
	assert.Equal(t, kinds.RouteEvolution, kinds.Classify(445))
	assert.Equal(t, kinds.RouteGiftWrap, kinds.Classify(1059))
	assert.Equal(t, kinds.RouteApplication, kinds.Classify(int(kinds.Share)))
	assert.Equal(t, kinds.RouteApplication, kinds.Classify(int(kinds.Report)))
	assert.Equal(t, kinds.RouteUnknown, kinds.Classify(1))
	assert.Equal(t, "gift-wrap", kinds.RouteGiftWrap.String())
}

func TestTagValue(t *testing.T) {
	ev := &nostr.Event{Tags: nostr.Tags{
		{"p"},
		{"e", "abc"},
		{"relays", "wss://a", "wss://b"},
	}}

	assert.Equal(t, "abc", kinds.TagValue(ev, "e"))
	assert.Equal(t, "", kinds.TagValue(ev, "p"), "tag without value is skipped")
	assert.Equal(t, []string{"wss://a", "wss://b"}, kinds.TagValues(ev, "relays"))
	assert.Nil(t, kinds.TagValues(ev, "missing"))
}
