package membership

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryMembership(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := CreateInMemoryStore()

	// Case 1: empty room
	{
		member, err := uut.IsMember(ctxt, "lobby", "alice")
		assert.Nil(err)
		assert.False(member)
		members, err := uut.Members(ctxt, "lobby")
		assert.Nil(err)
		assert.Empty(members)
	}

	// Case 2: join is idempotent
	{
		assert.Nil(uut.Join(ctxt, "lobby", "alice"))
		assert.Nil(uut.Join(ctxt, "lobby", "alice"))
		member, err := uut.IsMember(ctxt, "lobby", "alice")
		assert.Nil(err)
		assert.True(member)
		members, err := uut.Members(ctxt, "lobby")
		assert.Nil(err)
		assert.Equal([]string{"alice"}, members)
	}

	// Case 3: rooms are isolated
	{
		assert.Nil(uut.Join(ctxt, "lobby", "bob"))
		assert.Nil(uut.Join(ctxt, "games", "alice"))
		members, err := uut.Members(ctxt, "lobby")
		assert.Nil(err)
		assert.ElementsMatch([]string{"alice", "bob"}, members)
		members, err = uut.Members(ctxt, "games")
		assert.Nil(err)
		assert.Equal([]string{"alice"}, members)
	}

	// Case 4: leave is idempotent
	{
		assert.Nil(uut.Leave(ctxt, "lobby", "alice"))
		assert.Nil(uut.Leave(ctxt, "lobby", "alice"))
		member, err := uut.IsMember(ctxt, "lobby", "alice")
		assert.Nil(err)
		assert.False(member)
		members, err := uut.Members(ctxt, "lobby")
		assert.Nil(err)
		assert.Equal([]string{"bob"}, members)
	}

	// Case 5: leaving a room never joined
	{
		assert.Nil(uut.Leave(ctxt, "ghost-room", "alice"))
	}

	// Case 6: probe always succeeds
	{
		assert.Nil(uut.Ping(ctxt))
	}
}
