package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/hub"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

func newTestManager(t *testing.T, gateway store.Gateway) *Manager {
	t.Helper()
	m := NewManager(gateway, hub.New(gateway, nil))
	t.Cleanup(m.StopListening)
	return m
}

func loadConversation(t *testing.T, gateway store.Gateway, id string) model.Conversation {
	t.Helper()
	doc, err := gateway.Get(context.Background(), ConversationsCollection, id)
	require.NoError(t, err)
	var c model.Conversation
	require.NoError(t, doc.Decode(&c))
	return c
}

func TestCreateConversation(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, 0, conv.Unread("alice"))
	assert.Equal(t, 0, conv.Unread("bob"))
	assert.Nil(t, conv.LastMessage)

	again, err := m.CreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	docs, err := mem.Query(ctx, ConversationsCollection, store.Query{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestCreateConversationValidation(t *testing.T) {
	m := newTestManager(t, store.NewMemory())
	ctx := context.Background()

	_, err := m.CreateConversation(ctx, "", "bob")
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	_, err = m.CreateConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = m.CreateConversation(ctx, "alice", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCreateConversationConcurrentCallsShareOne(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := m.CreateConversation(ctx, "alice", "bob")
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	docs, err := mem.Query(ctx, ConversationsCollection, store.Query{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestCreateConversationPicksOldestDuplicate(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	for _, id := range []string{"c-first", "c-second"} {
		require.NoError(t, mem.Put(ctx, ConversationsCollection, id, map[string]any{
			"participants": []string{"alice", "bob"},
			"unreadCount":  map[string]int{"alice": 0, "bob": 0},
			"createdAt":    store.ServerTimestamp(),
			"updatedAt":    store.ServerTimestamp(),
		}))
	}

	conv, err := m.CreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c-first", conv.ID)
}

// racingGateway 在创建会话时模拟另一个进程抢先写入同一对用户的会话
type racingGateway struct {
	*store.Memory
	once sync.Once
}

func (g *racingGateway) Put(ctx context.Context, collection, id string, data map[string]any) error {
	if collection == ConversationsCollection {
		g.once.Do(func() {
			_ = g.Memory.Put(ctx, collection, "c-rival", map[string]any{
				"participants": []string{"bob", "alice"},
				"unreadCount":  map[string]int{"alice": 0, "bob": 0},
				"createdAt":    store.ServerTimestamp(),
				"updatedAt":    store.ServerTimestamp(),
			})
		})
	}
	return g.Memory.Put(ctx, collection, id, data)
}

func TestCreateConversationRaceReportsDuplicate(t *testing.T) {
	gw := &racingGateway{Memory: store.NewMemory()}
	m := newTestManager(t, gw)

	conv, err := m.CreateConversation(context.Background(), "alice", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPartialFailure)
	require.NotNil(t, conv)
	assert.Equal(t, "c-rival", conv.ID)
}

// slowGateway 让会话查询阻塞到 release 关闭
type slowGateway struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *slowGateway) Query(ctx context.Context, collection string, q store.Query) ([]store.Document, error) {
	if collection == ConversationsCollection {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Memory.Query(ctx, collection, q)
}

func TestCreateConversationSurvivesFirstCallerCancel(t *testing.T) {
	gw := &slowGateway{
		Memory:  store.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestManager(t, gw)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.CreateConversation(ctxA, "alice", "bob")
		errA <- err
	}()
	<-gw.entered

	type result struct {
		conv *model.Conversation
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		conv, err := m.CreateConversation(context.Background(), "bob", "alice")
		resB <- result{conv, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(gw.release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		require.NotNil(t, r.conv)
		assert.ElementsMatch(t, []string{"alice", "bob"}, r.conv.Participants)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}

	docs, err := gw.Memory.Query(context.Background(), ConversationsCollection, store.Query{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestCreateConversationResultsDoNotShareState(t *testing.T) {
	m := newTestManager(t, store.NewMemory())
	ctx := context.Background()

	first, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	first.UnreadCount["alice"] = 42
	first.Participants[0] = "mallory"

	second, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Unread("alice"))
	assert.ElementsMatch(t, []string{"alice", "bob"}, second.Participants)
}

func TestCloneConversationCopiesMutableFields(t *testing.T) {
	last := "hi"
	src := &model.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
		UnreadCount:  map[string]int{"alice": 1},
		LastMessage:  &last,
	}
	out := cloneConversation(src)
	out.UnreadCount["alice"] = 9
	out.Participants[0] = "carol"
	*out.LastMessage = "changed"

	assert.Equal(t, 1, src.UnreadCount["alice"])
	assert.Equal(t, "alice", src.Participants[0])
	assert.Equal(t, "hi", *src.LastMessage)
	assert.Equal(t, "c1", out.ID)
}

func TestSendMessageOrderingAndSummary(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	id1, err := m.SendMessage(ctx, conv.ID, "alice", "m1", model.MessageKindText)
	require.NoError(t, err)
	id2, err := m.SendMessage(ctx, conv.ID, "bob", "m2", "")
	require.NoError(t, err)
	id3, err := m.SendMessage(ctx, conv.ID, "alice", "m3", model.MessageKindPlate)
	require.NoError(t, err)

	msgs, err := m.Messages(ctx, "bob", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{id1, id2, id3}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	assert.Equal(t, "bob", msgs[0].ReceiverID)
	assert.Equal(t, "alice", msgs[1].ReceiverID)
	assert.Equal(t, model.MessageKindText, msgs[1].Kind)
	assert.Equal(t, model.MessageKindPlate, msgs[2].Kind)
	assert.False(t, msgs[0].IsRead)

	got := loadConversation(t, mem, conv.ID)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "m3", *got.LastMessage)
	require.NotNil(t, got.LastSenderID)
	assert.Equal(t, "alice", *got.LastSenderID)
	require.NotNil(t, got.LastMessageAt)
	assert.False(t, got.LastMessageAt.Before(msgs[2].Timestamp))
	assert.Equal(t, 2, got.Unread("bob"))
	assert.Equal(t, 1, got.Unread("alice"))
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestSendMessageValidation(t *testing.T) {
	m := newTestManager(t, store.NewMemory())
	ctx := context.Background()
	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, conv.ID, "", "hi", "")
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	_, err = m.SendMessage(ctx, conv.ID, "alice", "   ", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = m.SendMessage(ctx, conv.ID, "alice", "hi", "video")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = m.SendMessage(ctx, conv.ID, "carol", "hi", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = m.SendMessage(ctx, "missing", "alice", "hi", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkReadAndTotalUnread(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	ab, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	ac, err := m.CreateConversation(ctx, "alice", "carol")
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, ab.ID, "bob", "hey", "")
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, ab.ID, "bob", "there", "")
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, ac.ID, "carol", "yo", "")
	require.NoError(t, err)

	total, err := m.TotalUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	require.NoError(t, m.MarkRead(ctx, ab.ID, "alice"))
	got := loadConversation(t, mem, ab.ID)
	assert.Equal(t, 0, got.Unread("alice"))
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "there", *got.LastMessage)

	total, err = m.TotalUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	assert.ErrorIs(t, m.MarkRead(ctx, ab.ID, "carol"), apperr.ErrNotFound)
	assert.ErrorIs(t, m.MarkRead(ctx, ab.ID, ""), apperr.ErrNotAuthenticated)
}

func TestDeleteConversation(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	other, err := m.CreateConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	for _, content := range []string{"a", "b", "c"} {
		_, err = m.SendMessage(ctx, conv.ID, "alice", content, "")
		require.NoError(t, err)
	}
	_, err = m.SendMessage(ctx, other.ID, "carol", "keep", "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.DeleteConversation(ctx, "carol", conv.ID), apperr.ErrNotFound)
	require.NoError(t, m.DeleteConversation(ctx, "bob", conv.ID))

	_, err = mem.Get(ctx, ConversationsCollection, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	docs, err := mem.Query(ctx, MessagesCollection, store.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, other.ID, docs[0].Data["conversationId"])

	// 已删除的会话再次删除不报错
	require.NoError(t, m.DeleteConversation(ctx, "bob", conv.ID))
}

// flakyGateway 按集合让指定写操作失败
type flakyGateway struct {
	*store.Memory
	failUpdate      bool
	failDeleteAfter int
	failDeleteConv  bool
	deletes         int
}

var errBackend = errors.New("backend unavailable")

func (g *flakyGateway) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if g.failUpdate && collection == ConversationsCollection {
		return errBackend
	}
	return g.Memory.Update(ctx, collection, id, fields)
}

func (g *flakyGateway) Delete(ctx context.Context, collection, id string) error {
	if collection == ConversationsCollection && g.failDeleteConv {
		return errBackend
	}
	if collection == MessagesCollection && g.failDeleteAfter >= 0 {
		if g.deletes >= g.failDeleteAfter {
			return errBackend
		}
		g.deletes++
	}
	return g.Memory.Delete(ctx, collection, id)
}

func TestSendMessagePartialFailure(t *testing.T) {
	gw := &flakyGateway{Memory: store.NewMemory(), failDeleteAfter: -1}
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, conv.ID, "alice", "first", "")
	require.NoError(t, err)

	gw.failUpdate = true
	id, err := m.SendMessage(ctx, conv.ID, "alice", "second", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPartialFailure)
	assert.ErrorIs(t, err, errBackend)
	assert.NotEmpty(t, id)

	got := loadConversation(t, gw, conv.ID)
	assert.Equal(t, "first", *got.LastMessage)
	assert.Equal(t, 1, got.Unread("bob"))

	gw.failUpdate = false
	fixed, err := m.ReconcileLastMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, fixed.LastMessage)
	assert.Equal(t, "second", *fixed.LastMessage)
	assert.Equal(t, "alice", *fixed.LastSenderID)
	assert.Equal(t, 1, fixed.Unread("bob"))
}

func TestReconcileEmptyConversation(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, mem.Update(ctx, ConversationsCollection, conv.ID, map[string]any{
		"lastMessage":  "ghost",
		"lastSenderId": "bob",
	}))

	fixed, err := m.ReconcileLastMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, fixed.LastMessage)
	assert.Nil(t, fixed.LastSenderID)

	_, err = m.ReconcileLastMessage(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteConversationPartialFailure(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, gw *flakyGateway) (*Manager, string) {
		m := newTestManager(t, gw)
		conv, err := m.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		for _, content := range []string{"a", "b", "c"} {
			_, err = m.SendMessage(ctx, conv.ID, "alice", content, "")
			require.NoError(t, err)
		}
		return m, conv.ID
	}

	t.Run("first message delete fails", func(t *testing.T) {
		gw := &flakyGateway{Memory: store.NewMemory(), failDeleteAfter: 0}
		m, id := seed(t, gw)
		err := m.DeleteConversation(ctx, "alice", id)
		assert.ErrorIs(t, err, apperr.ErrTransient)
		assert.False(t, apperr.Is(err, apperr.ErrPartialFailure))
	})

	t.Run("fails midway through messages", func(t *testing.T) {
		gw := &flakyGateway{Memory: store.NewMemory(), failDeleteAfter: 2}
		m, id := seed(t, gw)
		err := m.DeleteConversation(ctx, "alice", id)
		assert.ErrorIs(t, err, apperr.ErrPartialFailure)

		loadConversation(t, gw, id)
		msgs, err := m.Messages(ctx, "alice", id)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		gw.failDeleteAfter = -1
		require.NoError(t, m.DeleteConversation(ctx, "alice", id))
		_, err = gw.Get(ctx, ConversationsCollection, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("conversation delete fails", func(t *testing.T) {
		gw := &flakyGateway{Memory: store.NewMemory(), failDeleteAfter: -1, failDeleteConv: true}
		m, id := seed(t, gw)
		err := m.DeleteConversation(ctx, "alice", id)
		assert.ErrorIs(t, err, apperr.ErrPartialFailure)
		msgs, err := m.Messages(ctx, "alice", id)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestListenMessages(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = m.ListenMessages(ctx, "carol", conv.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	sub, err := m.ListenMessages(ctx, "bob", conv.ID)
	require.NoError(t, err)
	convs, err := m.ListenConversations(ctx, "bob")
	require.NoError(t, err)

	for _, content := range []string{"m1", "m2", "m3"} {
		_, err = m.SendMessage(ctx, conv.ID, "alice", content, "")
		require.NoError(t, err)
	}

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case snap, ok := <-sub.Updates():
			require.True(t, ok, "subscription closed: %v", sub.Err())
			if len(snap.Items) == 3 {
				assert.Equal(t, "m1", snap.Items[0].Content)
				assert.Equal(t, "m3", snap.Items[2].Content)
				done = true
			}
		case <-deadline:
			t.Fatal("never saw three messages")
		}
	}

	for done := false; !done; {
		select {
		case snap := <-convs.Updates():
			if len(snap.Items) == 1 && snap.Items[0].LastMessage != nil && *snap.Items[0].LastMessage == "m3" {
				assert.Equal(t, 3, snap.Items[0].Unread("bob"))
				done = true
			}
		case <-deadline:
			t.Fatal("conversation list never caught up")
		}
	}

	assert.Equal(t, 2, mem.ActiveSubscriptions())
	m.StopListeningTo(conv.ID)
	for range sub.Updates() {
	}
	assert.Equal(t, 1, mem.ActiveSubscriptions())
}
