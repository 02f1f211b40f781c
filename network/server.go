// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"encoding/json"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qtumproject/qtumwallet/errors"
)

// Transport protocols of the server string encoding.
const (
	ProtoTCP = "t"
	ProtoTLS = "s"
)

// Default ports by protocol, applied when a peer announcement names a
// protocol without a port.
var defaultPorts = map[string]string{
	ProtoTCP: "50001",
	ProtoTLS: "50002",
}

// Server identifies one remote Electrum server.  The canonical string
// encoding, used in config files and the recent-servers file, is
// "host:port:protocol" with protocol "t" (TCP) or "s" (TLS).
type Server struct {
	Host  string
	Port  string
	Proto string
}

// ParseServer decodes the canonical server string encoding.
func ParseServer(s string) (Server, error) {
	const op errors.Op = "network.ParseServer"

	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Server{}, errors.E(op, errors.Invalid, "missing protocol")
	}
	hostport, proto := s[:i], s[i+1:]
	if proto != ProtoTCP && proto != ProtoTLS {
		return Server{}, errors.E(op, errors.Invalid, errors.Errorf(
			"unknown protocol %q", proto))
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Server{}, errors.E(op, errors.Invalid, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return Server{}, errors.E(op, errors.Invalid, err)
	}
	return Server{Host: host, Port: port, Proto: proto}, nil
}

// String returns the canonical encoding.
func (s Server) String() string {
	return net.JoinHostPort(s.Host, s.Port) + ":" + s.Proto
}

// Addr returns the dialable host:port address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// DefaultServers returns the curated server list for the Qtum mainnet.
func DefaultServers() []Server {
	return []Server{
		{Host: "s1.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s2.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s3.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s4.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s5.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s6.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s7.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s8.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s9.qtum.info", Port: "50002", Proto: ProtoTLS},
		{Host: "s10.qtum.info", Port: "50002", Proto: ProtoTLS},
	}
}

// ServerFeatures describes one server of a peers announcement: the ports it
// serves by protocol, its software version, and its pruning limit.
type ServerFeatures struct {
	Ports   map[string]string
	Version string
	Pruning string
}

// parseServerFeatures parses the result of a server.peers.subscribe call, a
// list of [ip, hostname, [feature...]] entries where features are version
// ("v1.4"), port ("s50002", "t"), and pruning ("p10000") strings.  Entries
// announcing no usable port are dropped.
func parseServerFeatures(result json.RawMessage) (map[string]ServerFeatures, error) {
	const op errors.Op = "network.parseServerFeatures"

	var items [][]json.RawMessage
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}
	servers := make(map[string]ServerFeatures)
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		var host string
		if err := json.Unmarshal(item[1], &host); err != nil {
			continue
		}
		feat := ServerFeatures{Ports: make(map[string]string), Pruning: "-"}
		if len(item) > 2 {
			var features []string
			if err := json.Unmarshal(item[2], &features); err != nil {
				continue
			}
			for _, f := range features {
				if f == "" {
					continue
				}
				switch f[0] {
				case 't', 's':
					port := f[1:]
					if port == "" {
						port = defaultPorts[f[:1]]
					}
					if _, err := strconv.Atoi(port); err == nil {
						feat.Ports[f[:1]] = port
					}
				case 'v':
					feat.Version = f[1:]
				case 'p':
					if f[1:] == "" {
						feat.Pruning = "0"
					} else {
						feat.Pruning = f[1:]
					}
				}
			}
		}
		if len(feat.Ports) > 0 {
			servers[host] = feat
		}
	}
	return servers, nil
}

// pickRandomServer returns a random server of hostmap speaking proto,
// excluding the servers named (in canonical encoding) by exclude.
func pickRandomServer(hostmap map[string]ServerFeatures, proto string,
	exclude map[string]struct{}) (Server, bool) {

	var eligible []Server
	for host, feat := range hostmap {
		port, ok := feat.Ports[proto]
		if !ok {
			continue
		}
		s := Server{Host: host, Port: port, Proto: proto}
		if _, skip := exclude[s.String()]; skip {
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return Server{}, false
	}
	return eligible[rand.Intn(len(eligible))], true
}

// maxRecentServers caps the length of the recent-servers file.
const maxRecentServers = 20

// recentServersPath returns the location of the recent-servers file under
// the data directory.
func recentServersPath(dataDir string) string {
	return filepath.Join(dataDir, "recent_servers.json")
}

// readRecentServers loads the ordered recent-servers list.  A missing or
// unreadable file is treated as empty.
func readRecentServers(dataDir string) []Server {
	raw, err := os.ReadFile(recentServersPath(dataDir))
	if err != nil {
		return nil
	}
	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil
	}
	servers := make([]Server, 0, len(encoded))
	for _, s := range encoded {
		server, err := ParseServer(s)
		if err != nil {
			continue
		}
		servers = append(servers, server)
	}
	return servers
}

// writeRecentServers rewrites the recent-servers file.  Failure to persist
// the list is logged and otherwise ignored; the list is a convenience, not
// state the engine depends on.
func writeRecentServers(dataDir string, servers []Server) {
	if len(servers) > maxRecentServers {
		servers = servers[:maxRecentServers]
	}
	encoded := make([]string, 0, len(servers))
	for _, s := range servers {
		encoded = append(encoded, s.String())
	}
	raw, err := json.MarshalIndent(encoded, "", "    ")
	if err == nil {
		err = os.WriteFile(recentServersPath(dataDir), raw, 0o600)
	}
	if err != nil {
		log.Warnf("Unable to save recent servers: %v", err)
	}
}
