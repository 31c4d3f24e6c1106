// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/acpchat/engine"
	"github.com/destiny/acpchat/transport"
	"github.com/destiny/acpchat/wire"
)

func TestConsoleCommands(t *testing.T) {
	hub := transport.NewHub()
	cfg := engine.DefaultConfig()
	cfg.NodeID = 1
	cfg.Username = "alice"
	ep := hub.Endpoint(1)
	eng, err := engine.New(cfg, ep, nil)
	require.NoError(t, err)
	defer eng.Close()

	var out bytes.Buffer
	input := strings.Join([]string{
		"/create news",
		"/join NEWS",
		"hello",
		"/topics",
		"/who",
		"/emcon on",
		"/bogus",
		"/quit",
		"/create never",
	}, "\n")
	console{eng: eng, out: &out}.run(context.Background(), strings.NewReader(input))

	assert.Equal(t, "news", eng.ActiveTopic())
	assert.True(t, eng.InEmcon())
	assert.False(t, eng.Directory().Contains("never"), "input after /quit is not read")

	text := out.String()
	assert.Contains(t, text, "* news (1 subscribers)")
	assert.Contains(t, text, "alice (00000001)")
	assert.Contains(t, text, "unknown command /bogus")
	assert.NotContains(t, text, "send: ", "sending without other subscribers is not an error")
}

func TestPrintEvents(t *testing.T) {
	ec := engine.NewEventChannel(8)
	ch := ec.Subscribe(8)
	ec.Start()
	ec.Publish(engine.NewMessageEvent("news", wire.Subscriber{NodeID: 2, Name: "bob"}, "hi"))
	ec.Publish(engine.NewSubscriberJoinedEvent("news", wire.Subscriber{NodeID: 1, Name: "alice"}, false))
	ec.Publish(engine.NewTopicRestoredEvent("news"))
	ec.Close()

	var out bytes.Buffer
	printEvents(ch, &out)
	assert.Contains(t, out.String(), "<bob@news> hi")
	assert.NotContains(t, out.String(), "alice joined", "own joins are not echoed")
	assert.Contains(t, out.String(), `topic "news" is in use and was restored`)
}
