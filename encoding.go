package pelican

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeDocument appends the msgpack encoding of doc to buf. Map keys are
// sorted so that equal documents produce equal bytes.
func encodeDocument(buf []byte, doc Document) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(map[string]any(doc))
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, fmt.Errorf("failed to encode document %q using MsgPack: %w", doc.ID(), err)
	}
	return bb.Buf, nil
}

func decodeDocument(buf []byte) (Document, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	dec.UseLooseInterfaceDecoding(true)
	m, err := dec.DecodeMap()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode document")
	}
	return Document(m), nil
}

// encodeLatest encodes the latest-version index (id -> version).
func encodeLatest(latest map[string]int64) ([]byte, error) {
	var bb bytesBuilder
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(latest)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode latest versions: %w", err)
	}
	return bb.Buf, nil
}

func decodeLatest(buf []byte) (map[string]int64, error) {
	latest := make(map[string]int64)
	if len(buf) == 0 {
		return latest, nil
	}
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(&latest)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode latest versions")
	}
	return latest, nil
}
