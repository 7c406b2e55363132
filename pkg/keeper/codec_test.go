package keeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMsgPackRoundTrip(t *testing.T) {
	in := UserRequestCommand{SessionID: 7, Xid: 3, OpNum: 1, Payload: []byte("data")}

	data, err := encodeMsgPack(in)
	require.NoError(t, err)

	var out UserRequestCommand
	require.NoError(t, decodeMsgPack(data, &out))

	assert.Equal(t, in, out)
}

func TestEncodeDecodeMsgPackRoundTripMap(t *testing.T) {
	in := SyncSessionsCommand{Entries: map[int64]int64{1: 100, 2: 200}}

	data, err := encodeMsgPack(in)
	require.NoError(t, err)

	var out SyncSessionsCommand
	require.NoError(t, decodeMsgPack(data, &out))

	assert.Equal(t, in.Entries, out.Entries)
}

func TestDecodeMsgPackInvalidDataFails(t *testing.T) {
	var out UserRequestCommand
	err := decodeMsgPack([]byte{0xff, 0xff, 0xff}, &out)
	assert.Error(t, err)
}
