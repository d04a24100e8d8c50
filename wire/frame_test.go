package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/coredb/proto"
)

func TestWriteReadFrame_RoundTripsControlAndPayload(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	header := TcpConnectionHeader{ProtocolVersion: proto.ProtocolVersion, SourceDBID: "nodeA", Database: "orders", Op: OpReplication}
	require.NoError(t, WriteFrame(w, header, []byte("hello")))

	r := bufio.NewReader(&buf)
	var got TcpConnectionHeader
	payload, err := ReadFrame(r, &got)
	require.NoError(t, err)
	require.Equal(t, header, got)
	require.Equal(t, "hello", string(payload))
}

func TestWriteReadFrame_ZeroLengthPayload(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, Heartbeat{SentAtUnixNano: 123}, nil))

	r := bufio.NewReader(&buf)
	var got Heartbeat
	payload, err := ReadFrame(r, &got)
	require.NoError(t, err)
	require.Nil(t, payload)
	require.Equal(t, int64(123), got.SentAtUnixNano)
}

func TestWriteReadFrame_MultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, ReplicationLatestEtagRequest{LastSentEtag: 10}, nil))
	require.NoError(t, WriteFrame(w, ReplicationLatestEtagRequest{LastSentEtag: 20}, nil))

	r := bufio.NewReader(&buf)
	var a, b ReplicationLatestEtagRequest
	_, err := ReadFrame(r, &a)
	require.NoError(t, err)
	_, err = ReadFrame(r, &b)
	require.NoError(t, err)
	require.Equal(t, uint64(10), a.LastSentEtag)
	require.Equal(t, uint64(20), b.LastSentEtag)
}

func TestJoinAndSplitPayloads_RoundTrip(t *testing.T) {
	items := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	block, sizes := JoinPayloads(items)
	split := SplitPayloads(block, sizes)
	require.Equal(t, items, split)
}
