package serverdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/inline/internal/crypto"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)
	return db
}

func mkUsers(t *testing.T, db *DB, names ...string) []int64 {
	t.Helper()
	var ids []int64
	for _, n := range names {
		u, err := db.CreateUser(context.Background(), n)
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	return ids
}

func field(s string) crypto.EncryptedField {
	return crypto.EncryptedField{Ciphertext: []byte(s), IV: make([]byte, 12), AuthTag: make([]byte, 16)}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	v, err := db.Migrate()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestPrivateChatCreatedOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice", "bob")

	c1, created, err := db.GetOrCreatePrivateChat(ctx, ids[1], ids[0])
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, c1.IsPrivate())
	assert.False(t, c1.IsThread())
	assert.Equal(t, ids[0], c1.MinUserID)
	assert.Equal(t, ids[1], c1.MaxUserID)

	c2, created, err := db.GetOrCreatePrivateChat(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)

	parts, err := db.ChatParticipants(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, parts)

	peers, err := db.PrivatePeers(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1]}, peers)
}

func TestSavedMessagesChat(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice")

	c, _, err := db.GetOrCreatePrivateChat(ctx, ids[0], ids[0])
	require.NoError(t, err)
	parts, err := db.ChatParticipants(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, parts)
}

func TestInsertMessageAssignsSequentialIDs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice", "bob")
	c, _, err := db.GetOrCreatePrivateChat(ctx, ids[0], ids[1])
	require.NoError(t, err)

	m1, created, err := db.InsertMessage(ctx, &Message{ChatID: c.ID, FromID: ids[0], RandomID: 11, Text: field("a")})
	require.NoError(t, err)
	assert.True(t, created)
	m2, _, err := db.InsertMessage(ctx, &Message{ChatID: c.ID, FromID: ids[1], RandomID: 12, Text: field("b")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.MessageID)
	assert.Equal(t, int64(2), m2.MessageID)

	again, created, err := db.InsertMessage(ctx, &Message{ChatID: c.ID, FromID: ids[0], RandomID: 11, Text: field("a")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m1.MessageID, again.MessageID)

	chat, err := db.GetChat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), chat.LastMsgID)
}

func TestInsertMessageRejectsPartialField(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice")
	c, _, err := db.GetOrCreatePrivateChat(ctx, ids[0], ids[0])
	require.NoError(t, err)

	_, _, err = db.InsertMessage(ctx, &Message{ChatID: c.ID, FromID: ids[0], Text: crypto.EncryptedField{Ciphertext: []byte("x")}})
	assert.ErrorIs(t, err, crypto.ErrPartialField)
}

func TestDeleteMessagesRecomputesLastMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice", "bob")
	c, _, err := db.GetOrCreatePrivateChat(ctx, ids[0], ids[1])
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err := db.InsertMessage(ctx, &Message{ChatID: c.ID, FromID: ids[0], Text: field("m")})
		require.NoError(t, err)
	}
	_, err = db.AddReaction(ctx, c.ID, 3, ids[1], "👍")
	require.NoError(t, err)

	deleted, err := db.DeleteMessages(ctx, c.ID, []int64{3, 99})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, deleted)

	chat, err := db.GetChat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), chat.LastMsgID)

	rs, err := db.Reactions(ctx, c.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, rs)

	_, err = db.DeleteMessages(ctx, c.ID, []int64{1, 2})
	require.NoError(t, err)
	chat, err = db.GetChat(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, chat.LastMsgID)
}

func TestThreadsAndMembers(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice", "bob", "carol")

	sp, err := db.CreateSpace(ctx, "team", ids[0])
	require.NoError(t, err)
	require.NoError(t, db.AddMember(ctx, sp.ID, ids[1], RoleMember))
	require.NoError(t, db.AddMember(ctx, sp.ID, ids[2], RoleAdmin))

	members, err := db.SpaceMembers(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, members)

	owner, err := db.GetMember(ctx, sp.ID, ids[0])
	require.NoError(t, err)
	assert.True(t, owner.Role.CanModerate())
	plain, err := db.GetMember(ctx, sp.ID, ids[1])
	require.NoError(t, err)
	assert.False(t, plain.Role.CanModerate())

	th, err := db.CreateThread(ctx, sp.ID, "general", false, ids[0], []int64{ids[1], ids[1]})
	require.NoError(t, err)
	assert.True(t, th.IsThread())
	assert.False(t, th.IsPrivate())
	parts, err := db.ChatParticipants(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[:2], parts)

	require.NoError(t, db.DeleteChat(ctx, th.ID))
	gone, err := db.GetChat(ctx, th.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestUserSettings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ids := mkUsers(t, db, "alice")

	s, err := db.GetUserSettings(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, s)

	require.NoError(t, db.SetUserSettings(ctx, ids[0], map[string]any{"theme": "dark"}))
	s, err = db.GetUserSettings(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "dark", s["theme"])
}
