package relaycast

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FeedRegistry deduplicates feeds that resolve to the same server
// processing instance.  Feeds sharing a fingerprint share one
// FeedHandler, so their send-state machine is shared too; the item is
// dropped when its last feed unregisters.
type FeedRegistry struct {
	mu    sync.Mutex
	items map[string]*feedItem
}

type feedItem struct {
	handler *FeedHandler
	feeds   []*Feed
}

// NewFeedRegistry creates an empty registry.
func NewFeedRegistry() *FeedRegistry {
	return &FeedRegistry{
		items: make(map[string]*feedItem),
	}
}

// fingerprint identifies the server processing instance behind a feed:
// the procId followed by every filter key and value in sorted key
// order.  Filter insertion order never affects identity.
func fingerprint(settings FeedSettings) string {
	keys := make([]string, 0, len(settings.Filters))
	for k := range settings.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(settings.ProcID.String())
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(fmt.Sprint(settings.Filters[k]))
	}
	return b.String()
}

// Register adds an opened feed.  The first feed for a fingerprint
// creates the shared handler; later feeds attach to it.
func (r *FeedRegistry) Register(feed *Feed) {
	fp := fingerprint(feed.Settings())

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[fp]
	if !ok {
		item = &feedItem{handler: newFeedHandler(feed.owner, feed.Settings())}
		r.items[fp] = item
	}
	for _, existing := range item.feeds {
		if existing == feed {
			return
		}
	}
	item.feeds = append(item.feeds, feed)
	feed.setHandler(item.handler)
}

// Unregister removes a feed; the item disappears with its last feed.
func (r *FeedRegistry) Unregister(feed *Feed) {
	fp := fingerprint(feed.Settings())

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[fp]
	if !ok {
		return
	}
	for i, existing := range item.feeds {
		if existing == feed {
			item.feeds = append(item.feeds[:i:i], item.feeds[i+1:]...)
			break
		}
	}
	if len(item.feeds) == 0 {
		delete(r.items, fp)
	}
}

// Exists reports whether the feed is currently registered.
func (r *FeedRegistry) Exists(feed *Feed) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[fingerprint(feed.Settings())]
	if !ok {
		return false
	}
	for _, existing := range item.feeds {
		if existing == feed {
			return true
		}
	}
	return false
}

// RefCount returns how many feed objects share this feed's handler.
func (r *FeedRegistry) RefCount(feed *Feed) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[fingerprint(feed.Settings())]
	if !ok {
		return 0
	}
	return len(item.feeds)
}

// IsEmpty reports whether no feeds remain registered.
func (r *FeedRegistry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items) == 0
}

// Handler returns the shared handler for a feed's fingerprint.
func (r *FeedRegistry) Handler(feed *Feed) *FeedHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[fingerprint(feed.Settings())]
	if !ok {
		return nil
	}
	return item.handler
}

// FindWithMetadata returns a registered feed whose open metadata
// matches, used to skip the server round trip on duplicate opens.
func (r *FeedRegistry) FindWithMetadata(md FeedMetadata) *Feed {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range r.items {
		for _, feed := range item.feeds {
			if feed.hasMetadata(md) {
				return feed
			}
		}
	}
	return nil
}

// UniqueFeeds returns one feed per registered fingerprint.
func (r *FeedRegistry) UniqueFeeds() []*Feed {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Feed, 0, len(r.items))
	for _, item := range r.items {
		if len(item.feeds) > 0 {
			out = append(out, item.feeds[0])
		}
	}
	return out
}

// AllFeeds returns every registered feed object.
func (r *FeedRegistry) AllFeeds() []*Feed {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Feed
	for _, item := range r.items {
		out = append(out, item.feeds...)
	}
	return out
}

// FeedsSharing returns every feed object attached to the same
// fingerprint as the given feed, the feed itself included.
func (r *FeedRegistry) FeedsSharing(feed *Feed) []*Feed {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[fingerprint(feed.Settings())]
	if !ok {
		return nil
	}
	return append([]*Feed(nil), item.feeds...)
}
