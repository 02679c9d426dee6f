package mailsync

import (
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetch behaves like client.UidFetch: it blocks on each send and closes
// ch before reporting its result.
func fakeFetch(n int, result error) (<-chan *imap.Message, <-chan error, <-chan int) {
	ch := make(chan *imap.Message)
	done := make(chan error, 1)
	delivered := make(chan int, 1)
	go func() {
		sent := 0
		for i := 1; i <= n; i++ {
			ch <- &imap.Message{Uid: uint32(i)}
			sent++
		}
		close(ch)
		delivered <- sent
		done <- result
	}()
	return ch, done, delivered
}

func TestDrainFetch_ReadErrorStillDrains(t *testing.T) {
	ch, done, delivered := fakeFetch(3, nil)
	boom := errors.New("connection reset")

	raw, err := drainFetch(ch, done, func(msg *imap.Message) ([]byte, error) {
		if msg.Uid == 1 {
			return nil, boom
		}
		return []byte("late"), nil
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, raw)

	select {
	case n := <-delivered:
		assert.Equal(t, 3, n, "the fetch must run to completion")
	case <-time.After(2 * time.Second):
		t.Fatal("fetch goroutine still blocked on ch")
	}
}

func TestDrainFetch_CommandErrorWins(t *testing.T) {
	ch, done, _ := fakeFetch(1, errors.New("NO fetch failed"))
	_, err := drainFetch(ch, done, func(*imap.Message) ([]byte, error) { return []byte("x"), nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO fetch failed")
}

func TestDrainFetch_KeepsBody(t *testing.T) {
	ch, done, _ := fakeFetch(1, nil)
	raw, err := drainFetch(ch, done, func(*imap.Message) ([]byte, error) { return []byte("From: a@b.lt\r\n\r\nhi"), nil })
	require.NoError(t, err)
	assert.Equal(t, "From: a@b.lt\r\n\r\nhi", string(raw))
}
