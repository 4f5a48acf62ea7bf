package source

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFile(t *testing.T) {
	f, err := NewFile(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6}), true)
	require.NoError(t, err)

	size, ok := f.Size()
	require.True(t, ok)
	require.Equal(t, int64(6), size)
	require.True(t, f.CanSeek())
	require.True(t, f.CanFastSeek())

	buf := make([]byte, 2)
	n, err := ReadFullAt(f, 3, buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{4, 5}, buf)
	require.Equal(t, int64(5), f.Tell())

	buf = make([]byte, 4)
	n, err = ReadFullAt(f, 4, buf)
	require.Equal(t, io.ErrUnexpectedEOF, err)
	require.Equal(t, 2, n)

	err = f.Seek(-1)
	require.Error(t, err)
}

func TestStream(t *testing.T) {
	s := &Stream{}
	require.False(t, s.CanSeek())
	require.False(t, s.CanFastSeek())

	_, ok := s.Size()
	require.False(t, ok)

	buf := make([]byte, 4)
	_, err := ReadFullAt(s, 0, buf)
	require.ErrorIs(t, err, ErrNeedMoreData)

	_, err = s.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	_, err = ReadFullAt(s, 0, buf)
	require.ErrorIs(t, err, ErrNeedMoreData)

	err = s.Seek(10)
	require.ErrorIs(t, err, ErrNeedMoreData)

	_, err = s.Write([]byte{4, 5, 6})
	require.NoError(t, err)

	n, err := ReadFullAt(s, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{1, 2, 3, 4}, buf)

	s.Trim(2)
	err = s.Seek(1)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNeedMoreData)

	n, err = ReadFullAt(s, 2, buf[:2])
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{3, 4}, buf[:2])

	s.CloseWrite()
	size, ok := s.Size()
	require.True(t, ok)
	require.Equal(t, int64(6), size)

	n, err = ReadFullAt(s, 4, buf)
	require.Equal(t, io.ErrUnexpectedEOF, err)
	require.Equal(t, 2, n)
}
