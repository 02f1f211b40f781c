// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripRequest(t *testing.T) {
	var buf bytes.Buffer
	mw := NewMsgWriter(&buf)
	err := mw.WriteRequest(NewRequest(7, BlockHeaders, 0, 2016))
	require.NoError(t, err)
	require.Equal(t, `{"id":7,"method":"blockchain.block.headers","params":[0,2016]}`+"\n",
		buf.String())

	err = mw.WriteRequest(NewRequest(8, ServerPing))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"params":[]`)
}

func TestReadReply(t *testing.T) {
	in := `{"id":3,"result":{"height":671623,"hex":"00"}}` + "\n" +
		`{"id":4,"error":{"code":-32601,"message":"unknown method"}}` + "\n" +
		`{"id":5,"error":"daemon error"}` + "\n"
	mr := NewMsgReader(bytes.NewBufferString(in))

	r, err := mr.Next()
	require.NoError(t, err)
	require.NotNil(t, r.ID)
	require.EqualValues(t, 3, *r.ID)
	require.False(t, r.Notification())

	r, err = mr.Next()
	require.NoError(t, err)
	require.EqualValues(t, 4, *r.ID)
	require.Equal(t, -32601, r.Error.Code)
	require.Equal(t, "unknown method", r.Error.Message)

	r, err = mr.Next()
	require.NoError(t, err)
	require.Equal(t, "daemon error", r.Error.Message)

	_, err = mr.Next()
	require.Equal(t, io.EOF, err)
}

func TestNormalizeNotifications(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantResult string
		wantParams int
		wantKey    string
	}{{
		name:       "headers",
		in:         `{"method":"blockchain.headers.subscribe","params":[{"height":10,"hex":"ab"}]}`,
		wantResult: `{"height":10,"hex":"ab"}`,
		wantParams: 0,
		wantKey:    "blockchain.headers.subscribe",
	}, {
		name:       "scripthash",
		in:         `{"method":"blockchain.scripthash.subscribe","params":["beef","f00d"]}`,
		wantResult: `"f00d"`,
		wantParams: 1,
		wantKey:    "blockchain.scripthash.subscribe:beef",
	}, {
		name:       "contract event",
		in:         `{"method":"blockchain.contract.event.subscribe","params":["aa","bb","cc","dd"]}`,
		wantResult: `"dd"`,
		wantParams: 3,
		wantKey:    "blockchain.contract.event.subscribe:aa:bb:cc",
	}}
	for _, test := range tests {
		var r Response
		err := json.Unmarshal([]byte(test.in), &r)
		require.NoError(t, err, test.name)
		require.True(t, r.Notification(), test.name)
		r.Normalize()
		require.JSONEq(t, test.wantResult, string(r.Result), test.name)
		require.Len(t, r.Params, test.wantParams, test.name)
		require.Equal(t, test.wantKey, r.SubscriptionKey(), test.name)
	}
}

func TestNormalizeLeavesRepliesAlone(t *testing.T) {
	var r Response
	err := json.Unmarshal([]byte(`{"id":1,"result":"f00d"}`), &r)
	require.NoError(t, err)
	before := string(r.Result)
	r.Normalize()
	require.Equal(t, before, string(r.Result))
}

func TestSubscriptionKeyMatchesRequestKey(t *testing.T) {
	// The key derived from an outgoing request must equal the key derived
	// from the notification the server later pushes for it.
	reqKey := Key(ScriptHashSubscribe, "beef")
	var r Response
	err := json.Unmarshal([]byte(
		`{"method":"blockchain.scripthash.subscribe","params":["beef","f00d"]}`), &r)
	require.NoError(t, err)
	r.Normalize()
	require.Equal(t, reqKey, r.SubscriptionKey())
}

func TestMethodSet(t *testing.T) {
	require.True(t, BlockHeaders.Known())
	require.True(t, HeadersSubscribe.Subscription())
	require.False(t, BlockHeader.Subscription())
	require.False(t, Method("blockchain.made.up").Known())
}

func TestOversizedMessage(t *testing.T) {
	big := make([]byte, maxMessageSize+2)
	for i := range big {
		big[i] = 'x'
	}
	big[len(big)-1] = '\n'
	mr := NewMsgReader(bytes.NewBuffer(big))
	_, err := mr.Next()
	require.Error(t, err)
	require.NotEqual(t, io.EOF, err)
}
