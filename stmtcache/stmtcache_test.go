package stmtcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetMissThenInsertHits(t *testing.T) {
	c := New(4)

	result, meta := c.Get("select 1")
	assert.Equal(t, Miss, result)
	assert.Nil(t, meta)

	c.Insert("select 1", &Metadata{StatementID: "s0"})

	result, meta = c.Get("select 1")
	assert.Equal(t, Hit, result)
	assert.Equal(t, "s0", meta.StatementID)
}

func TestGetWaitsForInFlightPreparer(t *testing.T) {
	c := New(4)

	result, _ := c.Get("select 1")
	assert.Equal(t, Miss, result)

	result, _ = c.Get("select 1")
	assert.Equal(t, Wait, result)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.WaitFor(context.Background(), "select 1"))
	}()

	time.Sleep(10 * time.Millisecond)
	c.Insert("select 1", &Metadata{StatementID: "s0"})

	<-done

	result, meta := c.Get("select 1")
	assert.Equal(t, Hit, result)
	assert.Equal(t, "s0", meta.StatementID)
}

func TestWaitForReturnsAfterAbandon(t *testing.T) {
	c := New(4)
	c.Get("select 1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.WaitFor(context.Background(), "select 1"))
	}()

	time.Sleep(10 * time.Millisecond)
	c.Abandon("select 1")

	<-done

	result, _ := c.Get("select 1")
	assert.Equal(t, Miss, result)
}

func TestNextStatementIDAllocatesSequentialNames(t *testing.T) {
	c := New(4)

	assert.Equal(t, "s0", c.NextStatementID())
	assert.Equal(t, "s1", c.NextStatementID())
	assert.Equal(t, "s2", c.NextStatementID())
}

func TestNextStatementIDIsConcurrencySafe(t *testing.T) {
	c := New(4)

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- c.NextStatementID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate statement id %q", id)
		seen[id] = true
	}
	assert.Len(t, seen, 50)
}

func TestEvictingCachedEntryInvokesCloser(t *testing.T) {
	c := New(1)

	closed := make(chan string, 1)
	c.SetCloser(func(statementID string) {
		closed <- statementID
	})

	c.Insert("select 1", &Metadata{StatementID: "s0"})
	c.Get("select 2")
	c.Insert("select 2", &Metadata{StatementID: "s1"})

	select {
	case id := <-closed:
		assert.Equal(t, "s0", id)
	case <-time.After(time.Second):
		t.Fatal("closer was not invoked on eviction")
	}
}

func TestEvictingInFlightEntryWakesWaitersWithoutClosing(t *testing.T) {
	c := New(1)

	closed := make(chan string, 1)
	c.SetCloser(func(statementID string) {
		closed <- statementID
	})

	c.Get("select 1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WaitFor(context.Background(), "select 1")
	}()

	time.Sleep(10 * time.Millisecond)
	c.Get("select 2")
	c.Insert("select 2", &Metadata{StatementID: "s1"})

	<-done

	select {
	case id := <-closed:
		t.Fatalf("closer unexpectedly invoked for in-flight eviction: %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLenTracksCachedAndInFlightEntries(t *testing.T) {
	c := New(4)
	assert.Equal(t, 0, c.Len())

	c.Get("select 1")
	assert.Equal(t, 1, c.Len())

	c.Insert("select 1", &Metadata{StatementID: "s0"})
	assert.Equal(t, 1, c.Len())
}
