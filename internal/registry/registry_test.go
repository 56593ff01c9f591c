package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/stretchr/testify/require"
)

func testPayload() Payload {
	return Payload{
		NotificationID: uuid.New(),
		Type:           db.NotificationTypeGrade,
		Title:          "New grade posted",
		Body:           "Your grade in CS301 is available",
		Priority:       db.NotificationPriorityNormal,
		CreatedAt:      time.Now(),
	}
}

func drain(c *Connection) []Payload {
	out := []Payload{}
	for {
		select {
		case p, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestSendReachesEveryConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := r.Attach("stu-1")
	second := r.Attach("stu-1")
	require.Equal(t, 2, r.Count("stu-1"))

	payload := testPayload()
	require.Equal(t, 2, r.Send("stu-1", payload))
	require.Len(t, drain(first), 1)
	require.Len(t, drain(second), 1)

	r.Detach(first)
	require.Equal(t, 1, r.Count("stu-1"))
	require.Equal(t, 1, r.Send("stu-1", testPayload()))
	require.Len(t, drain(second), 1)
}

func TestSendWithNoConnections(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.Equal(t, 0, r.Send("nobody", testPayload()))
	require.Equal(t, 0, r.Count("nobody"))
}

func TestSendDeliversAtMostOncePerNotification(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	conn := r.Attach("stu-1")

	payload := testPayload()
	require.Equal(t, 1, r.Send("stu-1", payload))
	// Re-sending the same notification id must not duplicate.
	require.Equal(t, 0, r.Send("stu-1", payload))
	require.Len(t, drain(conn), 1)

	// A different notification still goes through.
	require.Equal(t, 1, r.Send("stu-1", testPayload()))
}

func TestSendSkipsFullBuffer(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	conn := r.Attach("stu-1")

	for i := 0; i < connBuffer; i++ {
		require.Equal(t, 1, r.Send("stu-1", testPayload()))
	}
	// Buffer is full and nobody is draining; the push is a local miss.
	require.Equal(t, 0, r.Send("stu-1", testPayload()))
	require.Len(t, drain(conn), connBuffer)
}

func TestDetachIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	conn := r.Attach("stu-1")

	r.Detach(conn)
	r.Detach(conn) // second detach must be a no-op, not a double close
	r.Detach(nil)

	require.Equal(t, 0, r.Count("stu-1"))
	require.Equal(t, 0, r.RecipientCount())

	_, open := <-conn.Events()
	require.False(t, open)
}

func TestUnrelatedRecipientsDoNotInterfere(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := r.Attach("stu-1")
	b := r.Attach("stu-2")

	require.Equal(t, 1, r.Send("stu-1", testPayload()))
	require.Len(t, drain(a), 1)
	require.Len(t, drain(b), 0)
	require.Equal(t, 2, r.RecipientCount())
}

func TestConcurrentAttachDetachSend(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	recipients := []string{"stu-1", "stu-2", "stu-3"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		for _, rcpt := range recipients {
			wg.Add(1)
			go func(rcpt string) {
				defer wg.Done()
				conn := r.Attach(rcpt)
				go func() {
					for range conn.Events() {
					}
				}()
				r.Send(rcpt, testPayload())
				r.Detach(conn)
				r.Detach(conn)
			}(rcpt)
		}
	}
	wg.Wait()

	for _, rcpt := range recipients {
		require.Equal(t, 0, r.Count(rcpt))
	}
	require.Equal(t, 0, r.RecipientCount())
}
