// Copyright 2024-2026 Aiku AI

package archive

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The index is a CBOR sequence (RFC 8742): one self-delimiting record per
// capture, appended in capture order. Records use Core Deterministic
// Encoding so identical entries always produce identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e Entry) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index entry: %w", err)
	}
	return data, nil
}

// decodeIndex parses a CBOR sequence of entries. It returns the entries
// and the length of the valid prefix. A record cut short by a crash
// mid-append ends the sequence; everything before it is returned.
func decodeIndex(data []byte) ([]Entry, int) {
	dec := decMode.NewDecoder(bytes.NewReader(data))
	var entries []Entry
	valid := 0
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			// io.EOF on a clean end, anything else on a torn tail.
			return entries, valid
		}
		entries = append(entries, e)
		valid = dec.NumBytesRead()
	}
}
