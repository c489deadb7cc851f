package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/common/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	alice = models.Actor{ID: "alice", Role: models.RoleEmployee}
	bob   = models.Actor{ID: "bob", Role: models.RoleAgent}
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func subscribe(t *testing.T, h *Hub, actor models.Actor) *Client {
	t.Helper()
	c := newClient(h, nil, actor)
	require.NoError(t, h.add(c))
	return c
}

func event(t *testing.T, proposer string, status models.ChangeStatus) (uuid.UUID, []byte) {
	t.Helper()
	id := uuid.New()
	body, err := json.Marshal(service.ChangeEvent{
		Event:      "change.test",
		ChangeID:   id,
		Type:       models.ResourceBanner,
		Status:     status,
		ProposerID: proposer,
	})
	require.NoError(t, err)
	return id, body
}

func receive(t *testing.T, c *Client) uuid.UUID {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "client channel closed")
		var ev service.ChangeEvent
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev.ChangeID
	case <-time.After(time.Second):
		t.Fatalf("no event delivered to %s", c.actor.ID)
		return uuid.Nil
	}
}

func TestHub_RoutesByVisibility(t *testing.T) {
	h, _ := startHub(t)
	toAdmin := subscribe(t, h, admin)
	toAlice := subscribe(t, h, alice)
	toBob := subscribe(t, h, bob)
	assert.Equal(t, 3, h.Count())

	alicePending, body := event(t, alice.ID, models.StatusPending)
	h.Broadcast(body)
	bobPending, body := event(t, bob.ID, models.StatusPending)
	h.Broadcast(body)
	aliceLater, body := event(t, alice.ID, models.StatusApproved)
	h.Broadcast(body)

	assert.Equal(t, alicePending, receive(t, toAdmin))
	assert.Equal(t, bobPending, receive(t, toAdmin))
	assert.Equal(t, aliceLater, receive(t, toAdmin))

	assert.Equal(t, alicePending, receive(t, toAlice))
	assert.Equal(t, aliceLater, receive(t, toAlice), "other proposers' events are skipped")

	assert.Equal(t, bobPending, receive(t, toBob))
}

func TestHub_DraftsOnlyReachTheProposer(t *testing.T) {
	h, _ := startHub(t)
	toAdmin := subscribe(t, h, admin)
	toAlice := subscribe(t, h, alice)

	draft, body := event(t, alice.ID, models.StatusDraft)
	h.Broadcast(body)
	pending, body := event(t, alice.ID, models.StatusPending)
	h.Broadcast(body)

	assert.Equal(t, draft, receive(t, toAlice))
	assert.Equal(t, pending, receive(t, toAlice))
	assert.Equal(t, pending, receive(t, toAdmin))
}

func TestHub_DropsMalformedPayloads(t *testing.T) {
	h, _ := startHub(t)
	toAdmin := subscribe(t, h, admin)

	h.Broadcast([]byte("{"))
	id, body := event(t, alice.ID, models.StatusPending)
	h.Broadcast(body)

	assert.Equal(t, id, receive(t, toAdmin))
}

func TestHub_ClosesSlowConsumers(t *testing.T) {
	h, _ := startHub(t)
	slow := subscribe(t, h, admin)

	for i := 0; i < sendBuffer+1; i++ {
		_, body := event(t, alice.ID, models.StatusPending)
		h.Broadcast(body)
	}
	require.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)

	drained := 0
	for range slow.send {
		drained++
	}
	assert.Equal(t, sendBuffer, drained)
}

func TestHub_Unregister(t *testing.T) {
	h, _ := startHub(t)
	c := subscribe(t, h, alice)

	h.remove(c)
	_, ok := <-c.send
	assert.False(t, ok)
	assert.Equal(t, 0, h.Count())

	// a second unregister is ignored
	h.remove(c)
}

func TestHub_Stop(t *testing.T) {
	h, cancel := startHub(t)
	c := subscribe(t, h, alice)

	cancel()
	_, ok := <-c.send
	assert.False(t, ok, "stopping the hub closes its clients")

	<-h.done
	assert.ErrorIs(t, h.add(newClient(h, nil, bob)), ErrHubClosed)
}
