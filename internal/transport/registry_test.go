package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_AddRemoveDispatch(t *testing.T) {
	r := NewRegistry()

	var got []string
	id1, first := r.Add("vitals_ABC123", func(p []byte) { got = append(got, "a:"+string(p)) })
	assert.True(t, first)
	id2, first := r.Add("vitals_ABC123", func(p []byte) { got = append(got, "b:"+string(p)) })
	assert.False(t, first)

	assert.Equal(t, 2, r.Dispatch("vitals_ABC123", []byte("x")))
	assert.ElementsMatch(t, []string{"a:x", "b:x"}, got)
	assert.Equal(t, 0, r.Dispatch("vitals_XYZ999", []byte("y")))

	assert.False(t, r.Remove("vitals_ABC123", id1))
	assert.False(t, r.Remove("vitals_ABC123", id1))
	assert.True(t, r.Remove("vitals_ABC123", id2))
	assert.Empty(t, r.Channels())
}

func TestRegistry_ErrorHandlers(t *testing.T) {
	r := NewRegistry()

	count := 0
	sub := r.AddErrorHandler(func(err error) { count++ })
	r.DispatchError(errors.New("boom"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	r.DispatchError(errors.New("boom"))

	assert.Equal(t, 1, count)
}
