// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"

	"github.com/qtumproject/qtumwallet/errors"
)

// baseHeaderSize is the serialized size of a header excluding the variable
// length block signature.
const baseHeaderSize = 4 + 32 + 32 + 4 + 4 + 4 + 32 + 32 + 36

// Header is a Qtum block header.  Unlike Bitcoin's fixed 80 byte layout it
// carries the EVM state and UTXO root hashes, the staked output spent by a
// proof-of-stake block, and the staker's signature.
type Header struct {
	Version      int32
	PrevBlock    chainhash.Hash
	MerkleRoot   chainhash.Hash
	Timestamp    uint32
	Bits         uint32
	Nonce        uint32
	StateRoot    chainhash.Hash
	UTXORoot     chainhash.Hash
	PrevoutStake OutPoint
	Signature    []byte
}

// OutPoint names a transaction output by hash and index.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// BlockHash returns the double-SHA256 hash of the serialized header.
func (h *Header) BlockHash() chainhash.Hash {
	buf := new(bytes.Buffer)
	buf.Grow(baseHeaderSize + 1 + len(h.Signature))
	h.Serialize(buf) // never fails on a bytes.Buffer
	first := sha256.Sum256(buf.Bytes())
	return chainhash.Hash(sha256.Sum256(first[:]))
}

// Serialize writes the wire encoding of the header to w.
func (h *Header) Serialize(w io.Writer) error {
	var buf [baseHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	copy(buf[80:112], h.StateRoot[:])
	copy(buf[112:144], h.UTXORoot[:])
	copy(buf[144:176], h.PrevoutStake.Hash[:])
	binary.LittleEndian.PutUint32(buf[176:180], h.PrevoutStake.Index)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	return writeVarBytes(w, h.Signature)
}

// Deserialize reads the wire encoding of a header from r.
func (h *Header) Deserialize(r io.Reader) error {
	const op errors.Op = "blockchain.Deserialize"

	var buf [baseHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return errors.E(op, errors.Encoding, err)
	}
	h.Version = int32(binary.LittleEndian.Uint32(buf[0:4]))
	copy(h.PrevBlock[:], buf[4:36])
	copy(h.MerkleRoot[:], buf[36:68])
	h.Timestamp = binary.LittleEndian.Uint32(buf[68:72])
	h.Bits = binary.LittleEndian.Uint32(buf[72:76])
	h.Nonce = binary.LittleEndian.Uint32(buf[76:80])
	copy(h.StateRoot[:], buf[80:112])
	copy(h.UTXORoot[:], buf[112:144])
	copy(h.PrevoutStake.Hash[:], buf[144:176])
	h.PrevoutStake.Index = binary.LittleEndian.Uint32(buf[176:180])
	sig, err := readVarBytes(r)
	if err != nil {
		return errors.E(op, errors.Encoding, err)
	}
	h.Signature = sig
	return nil
}

// DecodeHeaderHex decodes a single hex-encoded header, the form served by
// blockchain.block.header and the headers subscription.
func DecodeHeaderHex(s string) (*Header, error) {
	const op errors.Op = "blockchain.DecodeHeaderHex"

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}
	r := bytes.NewReader(raw)
	h := new(Header)
	if err := h.Deserialize(r); err != nil {
		return nil, errors.E(op, err)
	}
	if r.Len() != 0 {
		return nil, errors.E(op, errors.Encoding, "trailing bytes after header")
	}
	return h, nil
}

// DecodeHeadersHex decodes the concatenated hex-encoded headers of a
// blockchain.block.headers chunk reply.
func DecodeHeadersHex(s string) ([]*Header, error) {
	const op errors.Op = "blockchain.DecodeHeadersHex"

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}
	r := bytes.NewReader(raw)
	var headers []*Header
	for r.Len() > 0 {
		h := new(Header)
		if err := h.Deserialize(r); err != nil {
			return nil, errors.E(op, err)
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// EncodeHeaderHex returns the hex encoding of the serialized header.
func EncodeHeaderHex(h *Header) string {
	buf := new(bytes.Buffer)
	h.Serialize(buf)
	return hex.EncodeToString(buf.Bytes())
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > 1<<16 {
		return nil, errors.E(errors.Encoding, "implausible signature length")
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeVarInt writes the Bitcoin-style compact size encoding of v.
func writeVarInt(w io.Writer, v uint64) error {
	var buf [9]byte
	var n int
	switch {
	case v < 0xfd:
		buf[0] = byte(v)
		n = 1
	case v <= 0xffff:
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:3], uint16(v))
		n = 3
	case v <= 0xffffffff:
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:5], uint32(v))
		n = 5
	default:
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:9], v)
		n = 9
	}
	_, err := w.Write(buf[:n])
	return err
}

func readVarInt(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, err
	}
	switch buf[0] {
	case 0xfd:
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(buf[:2])), nil
	case 0xfe:
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	case 0xff:
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:8]), nil
	default:
		return uint64(buf[0]), nil
	}
}
