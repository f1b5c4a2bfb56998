package relaycast

import (
	"encoding/json"
	"sync"
)

// FeedDescription bundles everything needed to open a feed in one
// call: where it lives, an optional write key, and the event callbacks
// to attach before opening.
type FeedDescription struct {
	// Channel names the channel, required.
	Channel string

	// Name selects the input or output connector.  Optional on thru
	// channels, where it defaults to the shared sub-channel.
	Name string

	// Filter carries runtime filter values for filtered outputs.
	Filter map[string]any

	// WriteKey unlocks write protected feeds.
	WriteKey string

	OnOpen        func(feed *Feed)
	OnClose       func(feed *Feed)
	OnMsgReceived func(feed *Feed, msg json.RawMessage)
	OnMsgSent     func(feed *Feed, msg json.RawMessage)
	OnHistory     func(feed *Feed, history json.RawMessage)
	OnError       func(feed *Feed, err json.RawMessage)
}

// Project scopes feed opens and channel metadata lookups to one
// project configured on the broker.
type Project struct {
	owner *Context
	name  string

	mu           sync.Mutex
	channelCache map[string]*Channel
}

func newProject(owner *Context, name string) *Project {
	return &Project{
		owner:        owner,
		name:         name,
		channelCache: make(map[string]*Channel),
	}
}

// Name returns the project name.
func (p *Project) Name() string {
	return p.name
}

// Feed opens a feed from a description.  The returned feed is not
// ready until its OnOpen callback fires.
func (p *Project) Feed(fd FeedDescription) *Feed {
	notifyError := func(feed *Feed, message string) {
		if fd.OnError != nil {
			msg, _ := json.Marshal(message)
			fd.OnError(feed, msg)
		}
	}

	if p.name == "" {
		notifyError(nil, "invalid project name")
		return nil
	}
	if fd.Channel == "" {
		notifyError(nil, "invalid channel name")
		return nil
	}

	connector := fd.Name
	if connector == "" {
		connector = DefaultFeedName
	}

	feed := newFeed(p.owner, FeedMetadata{
		Project:   p.name,
		Channel:   fd.Channel,
		Connector: connector,
		Filters:   fd.Filter,
	}, fd.WriteKey)

	feed.AddListener(FeedListener{
		OnOpen:        fd.OnOpen,
		OnClose:       fd.OnClose,
		OnMsgReceived: fd.OnMsgReceived,
		OnMsgSent:     fd.OnMsgSent,
		OnHistory:     fd.OnHistory,
		OnError:       fd.OnError,
	})

	// OnOpen fires through the dispatched open event; the completion
	// only has to surface failures.
	p.owner.OpenFeed(feed, func(err error, opened *Feed) {
		if err != nil {
			p.owner.logger.Error().Err(err).
				Interface("metadata", feed.Metadata()).
				Msg("failed to open feed")
			notifyError(opened, err.Error())
		}
	})

	return feed
}

// Channel fetches channel metadata, serving repeats from cache.
func (p *Project) Channel(name string, callback func(*Channel, error)) {
	if name == "" || p.name == "" {
		return
	}

	p.mu.Lock()
	cached, ok := p.channelCache[name]
	p.mu.Unlock()
	if ok {
		if callback != nil {
			callback(cached, nil)
		}
		return
	}

	cmd := NewCommand("GET", "/channel/description.json", map[string]any{
		"name":    name,
		"project": p.name,
	})

	if callback != nil {
		cmd.OnResponse = func(msg json.RawMessage) {
			channel, err := newChannel(msg)
			if err != nil {
				callback(nil, err)
				return
			}
			p.mu.Lock()
			p.channelCache[name] = channel
			p.mu.Unlock()
			callback(channel, nil)
		}
		cmd.OnError = func(msg json.RawMessage) {
			callback(nil, &ClientError{Code: ErrCodeCommand, Message: string(msg)})
		}
	}

	p.owner.SendCommand(cmd)
}
