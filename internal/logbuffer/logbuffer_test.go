package logbuffer

import (
	"errors"
	"testing"

	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

func intp(n int) *int { return &n }

func TestNegativeIndexing(t *testing.T) {
	b := New(0)
	b.NewInstance()
	b.Append(StreamStdout, "first-1")
	b.NewInstance()
	b.Append(StreamStdout, "second-1")
	b.NewInstance()
	b.Append(StreamStdout, "third-1")

	cases := []struct {
		index int
		want  string
	}{
		{-1, "third-1"},
		{-2, "second-1"},
		{-3, "first-1"},
		{0, "first-1"},
		{1, "second-1"},
		{2, "third-1"},
	}
	for _, c := range cases {
		res, err := b.Search(SearchParams{Index: intp(c.index)})
		if err != nil {
			t.Fatalf("index %d: %v", c.index, err)
		}
		if len(res.Lines) != 1 || res.Lines[0].Line.Payload != c.want {
			t.Fatalf("index %d: want %q got %+v", c.index, c.want, res.Lines)
		}
	}
}

func TestDefaultIndexIsNewest(t *testing.T) {
	b := New(0)
	b.NewInstance()
	b.Append(StreamStdout, "only")
	res, err := b.Search(SearchParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lines) != 1 || res.Lines[0].Line.Payload != "only" {
		t.Fatalf("unexpected default search result: %+v", res.Lines)
	}
}

func TestInstanceNotFound(t *testing.T) {
	b := New(0)
	b.NewInstance()
	_, err := b.Search(SearchParams{Index: intp(5)})
	if !errors.Is(err, svcerr.ErrInstanceNotFound) {
		t.Fatalf("want ErrInstanceNotFound, got %v", err)
	}
}

func TestInvalidPattern(t *testing.T) {
	b := New(0)
	b.NewInstance()
	b.Append(StreamStdout, "line")
	_, err := b.Search(SearchParams{Pattern: "("})
	if !errors.Is(err, svcerr.ErrInvalidPattern) {
		t.Fatalf("want ErrInvalidPattern, got %v", err)
	}
}

func TestMaxInstanceEviction(t *testing.T) {
	b := New(0)
	for i := 0; i < MaxInstances+3; i++ {
		b.NewInstance()
	}
	if got := b.InstanceCount(); got != MaxInstances {
		t.Fatalf("want %d retained instances, got %d", MaxInstances, got)
	}
}

func TestLineCapEviction(t *testing.T) {
	b := New(3)
	b.NewInstance()
	for i := 0; i < 10; i++ {
		b.Append(StreamStdout, "l")
	}
	res, err := b.Search(SearchParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lines) != 3 {
		t.Fatalf("want 3 retained lines, got %d", len(res.Lines))
	}
	// oldest lines dropped first: line numbers should be strictly increasing
	// and start above zero once eviction has occurred.
	if res.Lines[0].Line.Number != 7 {
		t.Fatalf("want oldest retained line number 7, got %d", res.Lines[0].Line.Number)
	}
}

// TestSearchWithContextAndHead reproduces scenario S5: 20 lines, matches at
// L7 and L13 (1-indexed), context=1, head=5 yields lines 6,7,8 then a
// separator then 12,13 — five real lines plus a separator, since the
// separator itself must never consume one of the 5 head slots.
func TestSearchWithContextAndHead(t *testing.T) {
	b := New(0)
	b.NewInstance()
	for i := 1; i <= 20; i++ {
		if i == 7 || i == 13 {
			b.Append(StreamStdout, "ERR boom")
			continue
		}
		b.Append(StreamStdout, "ok")
	}
	res, err := b.Search(SearchParams{Pattern: "ERR", ContextLines: 1, Head: intp(5)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lines) != 6 {
		t.Fatalf("want 6 result lines (5 real + 1 separator), got %d: %+v", len(res.Lines), res.Lines)
	}
	wantNumbers := []int{5, 6, 7, -1, 11, 12}
	for i, rl := range res.Lines {
		if i == 3 {
			if !rl.Separator {
				t.Fatalf("want separator at index 3, got %+v", rl)
			}
			continue
		}
		if rl.Line.Number != wantNumbers[i] {
			t.Fatalf("index %d: want line number %d, got %d", i, wantNumbers[i], rl.Line.Number)
		}
	}
}

func TestSearchDeterministic(t *testing.T) {
	b := New(0)
	b.NewInstance()
	for i := 0; i < 5; i++ {
		b.Append(StreamStdout, "hello world")
	}
	p := SearchParams{Pattern: "hello"}
	first, err := b.Search(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Search(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Lines) != len(second.Lines) {
		t.Fatalf("search not deterministic: %d vs %d", len(first.Lines), len(second.Lines))
	}
	for i := range first.Lines {
		if first.Lines[i] != second.Lines[i] {
			t.Fatalf("search not deterministic at %d", i)
		}
	}
}
