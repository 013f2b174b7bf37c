package persistence

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame(OpInsert, EncodeInsert(7, []float32{1, 2, 3})))
	require.NoError(t, fw.WriteFrame(OpDelete, EncodeDelete(7)))

	op, payload, n, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpInsert, op)
	assert.Equal(t, FrameHeaderSize+12+12, n)
	rec, err := decodeRecord(op, payload)
	require.NoError(t, err)
	assert.Equal(t, Record{Op: OpInsert, ID: 7, Vector: []float32{1, 2, 3}}, rec)

	op, payload, _, err = ReadFrame(&buf)
	require.NoError(t, err)
	rec, err = decodeRecord(op, payload)
	require.NoError(t, err)
	assert.Equal(t, Record{Op: OpDelete, ID: 7}, rec)

	_, _, _, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameErrors(t *testing.T) {
	frame := AppendFrame(nil, OpDelete, EncodeDelete(1))

	t.Run("incomplete header", func(t *testing.T) {
		_, _, _, err := ReadFrame(bytes.NewReader(frame[:4]))
		assert.ErrorIs(t, err, ErrIncompleteFrame)
	})
	t.Run("incomplete payload", func(t *testing.T) {
		_, _, _, err := ReadFrame(bytes.NewReader(frame[:len(frame)-1]))
		assert.ErrorIs(t, err, ErrIncompleteFrame)
	})
	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(frame)
		bad[0] = 0
		_, _, _, err := ReadFrame(bytes.NewReader(bad))
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})
	t.Run("payload flipped", func(t *testing.T) {
		bad := bytes.Clone(frame)
		bad[len(bad)-1] ^= 0xFF
		_, _, _, err := ReadFrame(bytes.NewReader(bad))
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})
	t.Run("opcode flipped", func(t *testing.T) {
		bad := bytes.Clone(frame)
		bad[1] = OpInsert
		_, _, _, err := ReadFrame(bytes.NewReader(bad))
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})
}

func TestDecodeRecordRejectsBadPayloads(t *testing.T) {
	_, err := decodeRecord(OpInsert, []byte{1, 2, 3})
	assert.Error(t, err)
	payload := EncodeInsert(1, []float32{1, 2})
	_, err = decodeRecord(OpInsert, payload[:len(payload)-4])
	assert.Error(t, err)
	_, err = decodeRecord(OpDelete, []byte{1})
	assert.Error(t, err)
	_, err = decodeRecord(0x7F, nil)
	assert.Error(t, err)
}
