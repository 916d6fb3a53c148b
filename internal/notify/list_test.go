package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestList_RegistrationOrder(t *testing.T) {
	t.Parallel()

	var l List[int]
	var got []string
	l.Add(func(v int) { got = append(got, "a") })
	l.Add(nil)
	l.Add(func(v int) { got = append(got, "b") })

	l.Notify(1)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, l.Len())
}

func TestList_AddDuringNotify(t *testing.T) {
	t.Parallel()

	var l List[string]
	calls := 0
	l.Add(func(string) {
		calls++
		l.Add(func(string) { calls += 10 })
	})

	l.Notify("x")
	assert.Equal(t, 1, calls, "observer added mid-dispatch must not run in the same dispatch")

	l.Notify("y")
	assert.Equal(t, 12, calls, "second dispatch runs the original plus the first added observer")
}

func TestList_Clear(t *testing.T) {
	t.Parallel()

	var l List[struct{}]
	l.Add(func(struct{}) { t.Fatal("cleared observer ran") })
	l.Clear()
	l.Notify(struct{}{})
	assert.Zero(t, l.Len())
}
