package relaycast

import (
	"encoding/json"
	"strings"
)

// ChannelFeedInfo is the metadata of one feed on a channel.
type ChannelFeedInfo struct {
	ID       int64    `json:"id"`
	FeedType string   `json:"feedType"`
	Name     string   `json:"name"`
	Filters  []string `json:"filters"`
}

// Channel holds the metadata about all the feeds on a channel.  Use it
// when feed names are not known up front, for example a reporting tool
// that graphs whatever outputs a channel happens to have; when the
// feed name is known, go straight to Project.Feed.
type Channel struct {
	ChannelName string            `json:"channelName"`
	ChannelType string            `json:"channelType"`
	FeedInfos   []ChannelFeedInfo `json:"feeds"`
}

func newChannel(raw json.RawMessage) (*Channel, error) {
	var ch Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.ChannelName
}

// Type returns the channel type reported by the broker.
func (c *Channel) Type() string {
	return c.ChannelType
}

// Feeds returns metadata for every feed on the channel.
func (c *Channel) Feeds() []ChannelFeedInfo {
	return c.FeedInfos
}

// Feed finds a feed by name, nil when absent.
func (c *Channel) Feed(name string) *ChannelFeedInfo {
	return findByName(c.FeedInfos, name)
}

// Inputs returns metadata for the channel's input feeds.
func (c *Channel) Inputs() []ChannelFeedInfo {
	return filterByType(c.FeedInfos, FeedTypeInput)
}

// Input finds an input feed by name, nil when absent.
func (c *Channel) Input(name string) *ChannelFeedInfo {
	return findByName(c.Inputs(), name)
}

// Outputs returns metadata for the channel's output feeds.
func (c *Channel) Outputs() []ChannelFeedInfo {
	return filterByType(c.FeedInfos, FeedTypeOutput)
}

// Output finds an output feed by name, nil when absent.
func (c *Channel) Output(name string) *ChannelFeedInfo {
	return findByName(c.Outputs(), name)
}

// ValidFilter reports whether a runtime filter object matches what the
// feed was configured to expect: exactly the declared filter keys, no
// more and no less.  A feed declaring no filters accepts only nil.
func (c *Channel) ValidFilter(info *ChannelFeedInfo, filter map[string]any) bool {
	if filter == nil {
		return info == nil || len(info.Filters) == 0
	}
	if info == nil || len(filter) != len(info.Filters) {
		return false
	}
	for _, declared := range info.Filters {
		if _, ok := filter[declared]; !ok {
			return false
		}
	}
	return true
}

func findByName(infos []ChannelFeedInfo, name string) *ChannelFeedInfo {
	for i := range infos {
		if strings.EqualFold(infos[i].Name, name) {
			return &infos[i]
		}
	}
	return nil
}

func filterByType(infos []ChannelFeedInfo, feedType string) []ChannelFeedInfo {
	var out []ChannelFeedInfo
	for _, info := range infos {
		if info.FeedType == feedType {
			out = append(out, info)
		}
	}
	return out
}
