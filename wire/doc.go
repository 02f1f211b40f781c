// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the Electrum client/server wire protocol.

The protocol consists of newline-delimited JSON messages sent over a TCP or
TLS stream.  A client message is always a request carrying a client-assigned
numeric id, a method name, and positional parameters.  A server message is
either a reply to a request, correlated by id, or an unsolicited notification
for an established subscription, identified by method and parameters and
carrying no id.

Notifications arrive in a different layout than direct replies to the
subscription call that established them.  Normalize rewrites a notification
into the canonical reply shape so that consumers handle both identically.
*/
package wire
