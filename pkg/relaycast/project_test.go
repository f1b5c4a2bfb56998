package relaycast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectFeedValidation(t *testing.T) {
	c := testContext(t)

	var errMsg string
	onError := func(_ *Feed, msg json.RawMessage) {
		json.Unmarshal(msg, &errMsg)
	}

	p := c.Project("")
	assert.Nil(t, p.Feed(FeedDescription{Channel: "scores", OnError: onError}))
	assert.Contains(t, errMsg, "invalid project name")

	p = c.Project("demo")
	assert.Nil(t, p.Feed(FeedDescription{OnError: onError}))
	assert.Contains(t, errMsg, "invalid channel name")
}

func TestProjectFeedDefaultsConnectorName(t *testing.T) {
	c := testContext(t)
	conn, _ := wiredConnection(c)

	// An equivalent feed is already open, so Project.Feed resolves by
	// adoption without touching the broker.
	opened := newFeed(c, FeedMetadata{Project: "demo", Channel: "scores", Connector: DefaultFeedName}, "")
	require.NoError(t, opened.reloadSettings(json.RawMessage(`{"feedKey":"fk-p","procId":3}`)))
	opened.setConnection(conn)
	c.registry.Register(opened)

	var openFired bool
	feed := c.Project("demo").Feed(FeedDescription{
		Channel: "scores",
		OnOpen:  func(*Feed) { openFired = true },
	})

	require.NotNil(t, feed)
	assert.Equal(t, DefaultFeedName, feed.Metadata().Connector)
	assert.True(t, openFired)
	assert.Equal(t, "fk-p", feed.FeedKey())
}

func TestProjectFeedCarriesFiltersAndWriteKey(t *testing.T) {
	c := testContext(t)
	conn, _ := wiredConnection(c)

	md := FeedMetadata{
		Project:   "demo",
		Channel:   "scores",
		Connector: "regional",
		Filters:   map[string]any{"region": "eu"},
	}
	opened := newFeed(c, md, "")
	require.NoError(t, opened.reloadSettings(json.RawMessage(`{"feedKey":"fk-r","procId":4}`)))
	opened.setConnection(conn)
	c.registry.Register(opened)

	feed := c.Project("demo").Feed(FeedDescription{
		Channel:  "scores",
		Name:     "regional",
		Filter:   map[string]any{"region": "eu"},
		WriteKey: "wk-1",
	})

	require.NotNil(t, feed)
	assert.Equal(t, map[string]any{"region": "eu"}, feed.Metadata().Filters)
	assert.Equal(t, "wk-1", feed.WriteKey())
}

func TestProjectChannelServedFromCache(t *testing.T) {
	c := testContext(t)
	p := c.Project("demo")

	cached, err := newChannel(json.RawMessage(channelDescription))
	require.NoError(t, err)
	p.channelCache["scores"] = cached

	var got *Channel
	p.Channel("scores", func(ch *Channel, err error) {
		require.NoError(t, err)
		got = ch
	})
	assert.Same(t, cached, got)
}

func TestProjectChannelIgnoresEmptyName(t *testing.T) {
	c := testContext(t)
	p := c.Project("demo")

	called := false
	p.Channel("", func(*Channel, error) { called = true })
	assert.False(t, called)
}

func TestProjectName(t *testing.T) {
	c := testContext(t)
	assert.Equal(t, "demo", c.Project("demo").Name())
}
