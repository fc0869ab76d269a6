package aio

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFileService(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "aio.dat"), 4)
	require.NoError(t, err)
	defer s.Close()

	t.Run("BatchWriteRead", func(t *testing.T) {
		var tokens []*Token
		for i := 0; i < 16; i++ {
			buf := bytes.Repeat([]byte{byte(i + 1)}, 512)
			tokens = append(tokens, s.SubmitWrite(int64(i)*512, buf))
		}
		require.NoError(t, AwaitAll(s, tokens))
		require.NoError(t, s.Await(s.SubmitSync()))
		for i := 0; i < 16; i++ {
			buf := make([]byte, 512)
			require.NoError(t, s.Await(s.SubmitRead(int64(i)*512, buf)))
			require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 512), buf)
		}
		size, err := s.Size()
		require.NoError(t, err)
		require.Equal(t, int64(16*512), size)
	})
	t.Run("ReadPastEnd", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xff}, 512)
		tok := s.SubmitRead(1<<20, buf)
		require.NoError(t, s.Await(tok))
		require.Equal(t, 0, tok.n)
		require.Equal(t, make([]byte, 512), buf)
	})
	t.Run("Truncate", func(t *testing.T) {
		require.NoError(t, s.Truncate(1024))
		size, err := s.Size()
		require.NoError(t, err)
		require.Equal(t, int64(1024), size)
	})
}

func TestFaulty(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "faulty.dat"), 1)
	require.NoError(t, err)
	f := NewFaulty(s)
	defer f.Close()

	require.NoError(t, f.Await(f.SubmitWrite(0, []byte("ok"))))
	f.FailWrites(true)
	err = f.Await(f.SubmitWrite(0, []byte("no")))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrIo))
	require.True(t, errors.Is(err, ErrInjected))
	f.FailWrites(false)
	f.FailSyncs(true)
	require.ErrorIs(t, f.Await(f.SubmitSync()), ErrIo)
}

func TestClosedService(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "closed.dat"), 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Await(s.SubmitWrite(0, []byte("x"))), ErrIo)
	require.NoError(t, s.Close())
}
