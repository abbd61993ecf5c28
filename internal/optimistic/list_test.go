package optimistic

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestListAsStore(t *testing.T) {
	l := NewList([]item{{ID: "a"}})
	defer l.Close()

	var mu sync.Mutex
	var seen [][]item
	l.OnChange(func(items []item) {
		mu.Lock()
		seen = append(seen, items)
		mu.Unlock()
	})

	e := newEngine(l)
	_, err := e.Add(context.Background(), item{Title: "b"}, func(context.Context, item) (item, error) {
		return item{}, errRejected
	})
	if !errors.Is(err, errRejected) {
		t.Fatal(err)
	}
	l.Sync()

	mu.Lock()
	defer mu.Unlock()
	want := [][]item{
		{{ID: "a"}, {ID: "temp-1", Title: "b"}},
		{{ID: "a"}},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]item{{ID: "a"}}, l.Items()); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}
}

func TestListScope(t *testing.T) {
	l := NewList[item](nil)
	defer l.Close()
	if l.Mutate("t1", func(items []item) []item { return append(items, item{ID: "x"}) }) {
		t.Error("Mutate accepted a thread scope")
	}
	l.Set([]item{{ID: "x"}, {ID: "y"}})
	if l.Len() != 2 {
		t.Errorf("Len = %d", l.Len())
	}
	l.Mutate("", func([]item) []item { return nil })
	if l.Items() != nil {
		t.Errorf("Items = %+v, want nil", l.Items())
	}
}
