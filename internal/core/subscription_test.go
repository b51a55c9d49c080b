package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribersOrderAndUnsubscribe(t *testing.T) {
	var subs Subscribers[func(int)]
	var got []string
	a := subs.Add(func(int) { got = append(got, "a") })
	subs.Add(func(int) { got = append(got, "b") })

	for _, h := range subs.Snapshot() {
		h(1)
	}
	assert.Equal(t, []string{"a", "b"}, got)

	a.Unsubscribe()
	a.Unsubscribe()
	assert.Equal(t, 1, subs.Len())

	subs.Clear()
	assert.Empty(t, subs.Snapshot())
}

func TestSubscriptionFuncRunsOnce(t *testing.T) {
	n := 0
	s := SubscriptionFunc(func() { n++ })
	s.Unsubscribe()
	s.Unsubscribe()
	assert.Equal(t, 1, n)
}
