package keeper

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpack encode/decode helpers, mirroring the pattern hashicorp/raft itself
// uses internally (util.go's encodeMsgPack/decodeMsgPack) for its own log
// entries. The forward wire frames and the FSM's Command payloads are
// encoded the same way so the whole core shares one wire codec.
var msgpackHandle = &codec.MsgpackHandle{}

func encodeMsgPack(in interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgPack(data []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	return dec.Decode(out)
}
