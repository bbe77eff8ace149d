package shutdown

import (
	"sync"
	"testing"
)

func resetForTest() {
	mu.Lock()
	hooks = nil
	active = false
	mu.Unlock()
}

func TestBeforeExitRunsLIFO(t *testing.T) {
	resetForTest()
	defer func() { exitFunc = func(int) {} }()

	var mtx sync.Mutex
	var order []int
	exitFunc = func(int) {}

	BeforeExit(func() { mtx.Lock(); order = append(order, 1); mtx.Unlock() })
	BeforeExit(func() { mtx.Lock(); order = append(order, 2); mtx.Unlock() })
	BeforeExit(func() { mtx.Lock(); order = append(order, 3); mtx.Unlock() })

	Exit()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestIsActiveBecomesTrueDuringExit(t *testing.T) {
	resetForTest()
	var sawActive bool
	exitFunc = func(int) {}
	BeforeExit(func() { sawActive = IsActive() })

	if IsActive() {
		t.Fatal("IsActive should be false before any exit")
	}
	Exit()
	if !sawActive {
		t.Fatal("IsActive should be true while hooks run")
	}
	if !IsActive() {
		t.Fatal("IsActive should remain true after Exit")
	}
}

func TestFatalRunsHooksAndReportsCode(t *testing.T) {
	resetForTest()
	var gotCode int
	exitFunc = func(code int) { gotCode = code }
	var ran bool
	BeforeExit(func() { ran = true })

	Fatal(nil)
	if gotCode != 0 || !ran {
		t.Fatalf("Fatal(nil) should behave like Exit, code=%d ran=%v", gotCode, ran)
	}

	resetForTest()
	exitFunc = func(code int) { gotCode = code }
	ran = false
	BeforeExit(func() { ran = true })
	Fatal(errTest)
	if gotCode != 1 || !ran {
		t.Fatalf("Fatal(err) should exit 1 and run hooks, code=%d ran=%v", gotCode, ran)
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
