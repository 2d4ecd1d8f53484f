// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// outPointSize is the size of a serialized outpoint.
	outPointSize = chainhash.HashSize + 4

	// maxBlobSize bounds a single blob inside a list record.
	maxBlobSize = 1 << 20
)

// encodeRecords encodes the given records as a TLV stream.
func encodeRecords(records ...tlv.Record) ([]byte, error) {
	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tlvStream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeRecords decodes a TLV stream into the given records and returns the
// types that were present.
func decodeRecords(b []byte, records ...tlv.Record) (tlv.TypeMap, error) {
	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	return tlvStream.DecodeWithParsedTypes(bytes.NewReader(b))
}

// makeBlobsRecord returns a record holding a list of opaque blobs. Each
// blob is written as a varint length followed by its bytes.
func makeBlobsRecord(typ tlv.Type, blobs *[][]byte) tlv.Record {
	return tlv.MakeDynamicRecord(
		typ, blobs, func() uint64 {
			return recordSize(blobsEncoder, blobs)
		}, blobsEncoder, blobsDecoder,
	)
}

// blobsEncoder is a custom TLV encoder for a list of blobs.
func blobsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[][]byte); ok {
		for _, blob := range *v {
			err := tlv.WriteVarInt(w, uint64(len(blob)), buf)
			if err != nil {
				return err
			}
			if _, err := w.Write(blob); err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[][]byte")
}

// blobsDecoder is a custom TLV decoder for a list of blobs.
func blobsDecoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	if v, ok := val.(*[][]byte); ok {
		var blobs [][]byte

		// Using the length information given, we'll create a new
		// limited reader that'll return an EOF once the end has been
		// reached so the stream stops consuming bytes.
		limited := &io.LimitedReader{
			R: r,
			N: int64(l),
		}

		for {
			size, err := tlv.ReadVarInt(limited, buf)
			if err == io.EOF {
				break
			} else if err != nil {
				return err
			}
			if size > maxBlobSize {
				return fmt.Errorf("blob of %d bytes exceeds "+
					"maximum of %d", size, maxBlobSize)
			}

			blob := make([]byte, size)
			if _, err := io.ReadFull(limited, blob); err != nil {
				return err
			}
			blobs = append(blobs, blob)
		}

		*v = blobs
		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[][]byte", l, l)
}

// recordSize returns the amount of bytes this TLV record will occupy when
// encoded.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)

	// Encoding into a buffer only fails for a type mismatch, which the
	// callers above rule out.
	if err := encoder(&b, v, &buf); err != nil {
		log.Errorf("encoding the record failed: %v", err)
	}

	return uint64(len(b.Bytes()))
}

func serializeOutPoint(op wire.OutPoint) []byte {
	return outPointBytes(op)
}

func deserializeOutPoint(b []byte) (wire.OutPoint, error) {
	if len(b) != outPointSize {
		return wire.OutPoint{}, fmt.Errorf("outpoint is %d bytes, "+
			"want %d", len(b), outPointSize)
	}

	var op wire.OutPoint
	copy(op.Hash[:], b[:chainhash.HashSize])
	op.Index = binary.BigEndian.Uint32(b[chainhash.HashSize:])

	return op, nil
}

func serializeOutPoints(ops []wire.OutPoint) [][]byte {
	blobs := make([][]byte, len(ops))
	for i, op := range ops {
		blobs[i] = serializeOutPoint(op)
	}
	return blobs
}

func deserializeOutPoints(blobs [][]byte) ([]wire.OutPoint, error) {
	ops := make([]wire.OutPoint, 0, len(blobs))
	for _, b := range blobs {
		op, err := deserializeOutPoint(b)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(b []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

// serializationError wraps err as an Error with the ErrSerialization code.
func serializationError(what string, err error) error {
	return newError(ErrSerialization, "unable to encode or decode "+what,
		err)
}
