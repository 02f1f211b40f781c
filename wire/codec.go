// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/qtumproject/qtumwallet/errors"
)

// maxMessageSize is the largest message accepted from a server.  Header
// chunks are the largest replies of the protocol and fit well within this.
const maxMessageSize = 10 * 1024 * 1024

// MsgReader reads newline-delimited server messages from a stream.  It is
// not safe for concurrent use.
type MsgReader struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewMsgReader returns a reader of server messages from r.
func NewMsgReader(r io.Reader) *MsgReader {
	return &MsgReader{r: bufio.NewReaderSize(r, 1<<14)}
}

// Next reads and decodes the next server message.  Oversized and malformed
// messages return a Protocol error; any read failure of the underlying
// stream is returned unwrapped so callers observe connection errors
// directly.
func (mr *MsgReader) Next() (*Response, error) {
	const op errors.Op = "wire.Next"

	mr.buf.Reset()
	for {
		line, isPrefix, err := mr.r.ReadLine()
		if err != nil {
			return nil, err
		}
		mr.buf.Write(line)
		if mr.buf.Len() > maxMessageSize {
			return nil, errors.E(op, errors.Protocol, "oversized message")
		}
		if !isPrefix {
			break
		}
	}

	r := new(Response)
	if err := json.Unmarshal(mr.buf.Bytes(), r); err != nil {
		return nil, errors.E(op, errors.Protocol, err)
	}
	return r, nil
}

// MsgWriter writes newline-delimited client requests to a stream.  It is
// not safe for concurrent use.
type MsgWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewMsgWriter returns a writer of client requests to w.
func NewMsgWriter(w io.Writer) *MsgWriter {
	return &MsgWriter{w: w}
}

// WriteRequest encodes and writes a single request followed by the message
// delimiter.
func (mw *MsgWriter) WriteRequest(req *Request) error {
	const op errors.Op = "wire.WriteRequest"

	mw.buf.Reset()
	enc := json.NewEncoder(&mw.buf)
	if err := enc.Encode(req); err != nil {
		return errors.E(op, errors.Encoding, err)
	}
	// Encode appends the delimiter already.
	_, err := mw.w.Write(mw.buf.Bytes())
	return err
}
