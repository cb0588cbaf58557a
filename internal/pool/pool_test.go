package pool

import (
	"errors"
	"testing"

	"github.com/getsentry/traceprof/internal/testutil"
)

type buffer struct {
	Frames []uint64
}

func resetBuffer(b *buffer) {
	b.Frames = b.Frames[:0]
}

func TestRentReusesStorage(t *testing.T) {
	a := NewArena(resetBuffer)
	h, b := a.Rent()
	b.Frames = append(b.Frames, 1, 2, 3)
	capacity := cap(b.Frames)
	if err := a.Return(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h2, b2 := a.Rent()
	if len(b2.Frames) != 0 {
		t.Fatalf("expected an empty buffer, got %v", b2.Frames)
	}
	if cap(b2.Frames) != capacity {
		t.Fatalf("expected backing storage to be reused, got cap %d want %d", cap(b2.Frames), capacity)
	}
	if h2 == h {
		t.Fatal("expected a new generation for the reused slot")
	}
}

func TestRentedPointerSurvivesGrowth(t *testing.T) {
	a := NewArena(resetBuffer)
	h, b := a.Rent()
	for i := 0; i < 64; i++ {
		a.Rent()
	}
	b.Frames = append(b.Frames, 42)

	got, err := a.Get(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(got.Frames, []uint64{42}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestStaleHandle(t *testing.T) {
	tests := []struct {
		name string
		use  func(a *Arena[buffer], h Handle) error
	}{
		{
			name: "get after return",
			use: func(a *Arena[buffer], h Handle) error {
				_, err := a.Get(h)
				return err
			},
		},
		{
			name: "double return",
			use: func(a *Arena[buffer], h Handle) error {
				return a.Return(h)
			},
		},
		{
			name: "get after slot was rented again",
			use: func(a *Arena[buffer], h Handle) error {
				a.Rent()
				_, err := a.Get(h)
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArena(resetBuffer)
			h, _ := a.Rent()
			if err := a.Return(h); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := tt.use(a, h); !errors.Is(err, ErrStaleHandle) {
				t.Fatalf("expected ErrStaleHandle, got %v", err)
			}
		})
	}
}

func TestMustGetPanicsOnStaleHandle(t *testing.T) {
	a := NewArena[buffer](nil)
	h, _ := a.Rent()
	_ = a.Return(h)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic")
		}
	}()
	a.MustGet(h)
}

func TestStats(t *testing.T) {
	a := NewArena(resetBuffer)
	h1, _ := a.Rent()
	a.Rent()
	_ = a.Return(h1)
	a.Rent()

	want := Stats{Allocated: 2, Outstanding: 2, Rented: 3}
	if diff := testutil.Diff(a.Stats(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
