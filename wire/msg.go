// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qtumproject/qtumwallet/errors"
)

// Request is a client message.  IDs are assigned per connection and never
// reused on the same connection.
type Request struct {
	ID     uint64        `json:"id"`
	Method Method        `json:"method"`
	Params []interface{} `json:"params"`
}

// NewRequest returns a request for method with positional parameters.  A nil
// params slice marshals as the empty array rather than JSON null.
func NewRequest(id uint64, method Method, params ...interface{}) *Request {
	if params == nil {
		params = []interface{}{}
	}
	return &Request{ID: id, Method: method, Params: params}
}

// Error describes a call rejected by the remote server.  Servers encode
// errors either as a bare string or as an object with code and message
// fields; both forms unmarshal into this type.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d)", e.Message, e.Code)
	}
	return e.Message
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.Message)
	}
	obj := struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.Code, e.Message = obj.Code, obj.Message
	return nil
}

// Response is a server message: either a reply to a request (ID is non-nil)
// or a subscription notification (ID is nil, Method and Params identify the
// subscription).  Result and Params stay unparsed so that callers decode
// them into the types each method calls for.
type Response struct {
	ID     *uint64           `json:"id"`
	Method Method            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  *Error            `json:"error"`
}

// Notification reports whether r is an unsolicited subscription push.
func (r *Response) Notification() bool {
	return r.ID == nil
}

// Normalize rewrites a subscription notification into the layout of the
// reply that established the subscription, so both are routed and decoded
// identically:
//
//	headers.subscribe: the single parameter becomes the result.
//	scripthash.subscribe: the status (second parameter) becomes the result.
//	contract.event.subscribe: the last parameter becomes the result.
//
// Direct replies and notifications with unexpected parameter counts are
// returned unchanged.
func (r *Response) Normalize() {
	if !r.Notification() {
		return
	}
	switch r.Method {
	case HeadersSubscribe:
		if len(r.Params) == 1 {
			r.Result = r.Params[0]
			r.Params = r.Params[:0]
		}
	case ScriptHashSubscribe:
		if len(r.Params) == 2 {
			r.Result = r.Params[1]
			r.Params = r.Params[:1]
		}
	case ContractEventSubscribe:
		if len(r.Params) == 4 {
			r.Result = r.Params[3]
			r.Params = r.Params[:3]
		}
	}
}

// StringParam decodes the i'th parameter as a JSON string.
func (r *Response) StringParam(i int) (string, error) {
	const op errors.Op = "wire.StringParam"
	if i >= len(r.Params) {
		return "", errors.E(op, errors.Protocol, errors.Errorf(
			"missing parameter %d of %s", i, r.Method))
	}
	var s string
	if err := json.Unmarshal(r.Params[i], &s); err != nil {
		return "", errors.E(op, errors.Encoding, err)
	}
	return s, nil
}

// SubscriptionKey returns the canonical key identifying the subscription
// this notification belongs to.  See Key.
func (r *Response) SubscriptionKey() string {
	params := make([]interface{}, 0, len(r.Params))
	for _, raw := range r.Params {
		var v interface{}
		if json.Unmarshal(raw, &v) != nil {
			v = string(raw)
		}
		params = append(params, v)
	}
	return Key(r.Method, params...)
}

// Key returns the canonical key identifying a subscription established by
// method with params.  Most subscriptions are keyed by the method and first
// parameter alone; contract event subscriptions include every parameter
// since the same contract may be watched for several events.
func Key(method Method, params ...interface{}) string {
	var sb strings.Builder
	sb.WriteString(string(method))
	n := 1
	if method == ContractEventSubscribe {
		n = len(params)
	}
	for i := 0; i < n && i < len(params); i++ {
		sb.WriteByte(':')
		fmt.Fprintf(&sb, "%v", params[i])
	}
	return sb.String()
}
