// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseServer(t *testing.T) {
	tests := []struct {
		encoded string
		want    Server
		ok      bool
	}{
		{"electrum.example.org:50001:t", Server{"electrum.example.org", "50001", "t"}, true},
		{"electrum.example.org:50002:s", Server{"electrum.example.org", "50002", "s"}, true},
		{"[2001:db8::1]:50001:t", Server{"2001:db8::1", "50001", "t"}, true},
		{"electrum.example.org:50001", Server{}, false},
		{"electrum.example.org:50001:x", Server{}, false},
		{"electrum.example.org::t", Server{}, false},
		{"electrum.example.org:port:t", Server{}, false},
		{"", Server{}, false},
	}
	for _, test := range tests {
		server, err := ParseServer(test.encoded)
		if !test.ok {
			require.Error(t, err, "ParseServer(%q)", test.encoded)
			continue
		}
		require.NoError(t, err, "ParseServer(%q)", test.encoded)
		require.Equal(t, test.want, server)
		require.Equal(t, test.encoded, server.String())
	}
}

func TestParseServerFeatures(t *testing.T) {
	result := json.RawMessage(`[
		["192.0.2.10", "one.example.org", ["v1.4", "s50002", "t50001", "p10000"]],
		["192.0.2.11", "two.example.org", ["v1.4", "t"]],
		["192.0.2.12", "three.example.org", ["v1.4"]],
		["192.0.2.13", "four.example.org", ["sBAD"]],
		["192.0.2.14"]
	]`)

	servers, err := parseServerFeatures(result)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	one := servers["one.example.org"]
	require.Equal(t, "50002", one.Ports[ProtoTLS])
	require.Equal(t, "50001", one.Ports[ProtoTCP])
	require.Equal(t, "1.4", one.Version)
	require.Equal(t, "10000", one.Pruning)

	// A bare protocol letter announces the default port.
	two := servers["two.example.org"]
	require.Equal(t, "50001", two.Ports[ProtoTCP])
	require.Equal(t, "-", two.Pruning)

	_, err = parseServerFeatures(json.RawMessage(`"bogus"`))
	require.Error(t, err)
}

func TestPickRandomServer(t *testing.T) {
	hostmap := map[string]ServerFeatures{
		"one.example.org": {Ports: map[string]string{"s": "50002"}},
		"two.example.org": {Ports: map[string]string{"s": "50002", "t": "50001"}},
	}

	server, ok := pickRandomServer(hostmap, ProtoTCP, nil)
	require.True(t, ok)
	require.Equal(t, Server{"two.example.org", "50001", "t"}, server)

	exclude := map[string]struct{}{"two.example.org:50001:t": {}}
	_, ok = pickRandomServer(hostmap, ProtoTCP, exclude)
	require.False(t, ok)

	for i := 0; i < 20; i++ {
		server, ok = pickRandomServer(hostmap, ProtoTLS, nil)
		require.True(t, ok)
		require.Contains(t, hostmap, server.Host)
		require.Equal(t, "50002", server.Port)
	}
}

func TestRecentServersRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, readRecentServers(dir))

	servers := []Server{
		{"one.example.org", "50002", "s"},
		{"two.example.org", "50001", "t"},
	}
	writeRecentServers(dir, servers)
	require.Equal(t, servers, readRecentServers(dir))

	// The file is capped at maxRecentServers entries.
	long := make([]Server, 0, maxRecentServers+5)
	for i := 0; i < maxRecentServers+5; i++ {
		long = append(long, Server{"one.example.org", "50002", "s"})
	}
	writeRecentServers(dir, long)
	require.Len(t, readRecentServers(dir), maxRecentServers)
}
