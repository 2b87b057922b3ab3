//go:build unix

package quiesce_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quiesce-dev/quiesce-go/quiesce"
)

func initLib(t *testing.T, opts ...quiesce.Option) {
	t.Helper()
	opts = append([]quiesce.Option{
		quiesce.WithErrorLogger(func(err error) { t.Logf("error: %s", err) }),
	}, opts...)
	if err := quiesce.Init(context.Background(), opts...); err != nil {
		t.Fatalf("init failed: %s", err)
	}
	t.Cleanup(quiesce.Stop)
}

func TestInitStop(t *testing.T) {
	initLib(t, quiesce.WithWorkerCount(2))
	quiesce.Stop()
	// Init can be called again after Stop.
	initLib(t, quiesce.WithWorkerCount(1))
}

func TestInitValidation(t *testing.T) {
	if err := quiesce.Init(context.Background(), quiesce.WithWorkerCount(0)); err == nil {
		quiesce.Stop()
		t.Fatal("zero worker count accepted")
	}
	if err := quiesce.Init(context.Background(),
		quiesce.WithWorkerCount(1),
		quiesce.WithProfilePeriod(time.Millisecond),
	); err == nil {
		quiesce.Stop()
		t.Fatal("profiling period without a buffer accepted")
	}
}

func TestUninitializedCalls(t *testing.T) {
	if _, err := quiesce.InstallThread(0); err == nil {
		t.Error("InstallThread succeeded before Init")
	}
	if _, err := quiesce.StartGC(); err == nil {
		t.Error("StartGC succeeded before Init")
	}
	if err := quiesce.RaiseInterrupt(); err == nil {
		t.Error("RaiseInterrupt succeeded before Init")
	}
	if data := quiesce.ProfileData(); data != nil {
		t.Error("profile data available before Init")
	}
}

func TestWorkerLifecycle(t *testing.T) {
	initLib(t, quiesce.WithWorkerCount(1))

	type result struct {
		thrown interface{}
		err    error
	}
	got := make(chan result, 1)
	installed := make(chan *quiesce.Thread, 1)
	go func() {
		th, err := quiesce.InstallThread(0)
		if err != nil {
			got <- result{err: err}
			return
		}
		installed <- th
		defer th.Uninstall()
		defer func() {
			got <- result{thrown: recover()}
		}()

		th.SetTask(42)
		th.Poll()

		// Single-worker collection: the fast path never protects pages.
		won, err := quiesce.StartGC()
		if err != nil || !won {
			got <- result{err: err}
			return
		}
		quiesce.EndGC()
		th.Poll()

		// Block in an interruptible wait until the interrupt arrives.
		th.SetIOWait(true)
		th.Park(func() bool { return false })
	}()

	select {
	case th := <-installed:
		_ = th
	case r := <-got:
		t.Fatalf("worker setup failed: %+v", r)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never installed")
	}

	// Give the worker time to park, then interrupt it.
	time.Sleep(50 * time.Millisecond)
	if err := quiesce.RaiseInterrupt(); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatal(r.err)
		}
		thrown, ok := r.thrown.(*quiesce.Thrown)
		if !ok {
			t.Fatalf("recovered %v, want *Thrown", r.thrown)
		}
		if thrown.Exception != quiesce.ErrInterrupt {
			t.Errorf("exception = %v, want ErrInterrupt", thrown.Exception)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt never delivered")
	}
}

func TestDeferSignals(t *testing.T) {
	initLib(t, quiesce.WithWorkerCount(1))

	done := make(chan interface{}, 1)
	go func() {
		th, err := quiesce.InstallThread(0)
		if err != nil {
			done <- err
			return
		}
		defer th.Uninstall()

		th.SetIOWait(true)
		leave := th.DeferSignals()
		if err := quiesce.RaiseInterrupt(); err != nil {
			done <- err
			return
		}
		// Delivery is deferred: the check runs but must not throw.
		time.Sleep(50 * time.Millisecond)
		th.Poll()
		leave()
		done <- nil
	}()

	select {
	case r := <-done:
		if r != nil {
			t.Fatalf("deferred region was interrupted: %v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker hung")
	}
}

func TestProfilingRoundTrip(t *testing.T) {
	initLib(t,
		quiesce.WithWorkerCount(1),
		quiesce.WithProfileBuffer(1<<16),
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		th, err := quiesce.InstallThread(0)
		if err != nil {
			return
		}
		defer th.Uninstall()
		for {
			select {
			case <-stop:
				return
			default:
				th.Poll()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	if err := quiesce.StartProfiling(5 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	defer quiesce.StopProfiling()

	deadline := time.Now().Add(10 * time.Second)
	for len(quiesce.ProfileData()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no profiling samples collected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHttpHandler(t *testing.T) {
	initLib(t, quiesce.WithWorkerCount(2), quiesce.WithProfileBuffer(1024))

	rec := httptest.NewRecorder()
	quiesce.HttpHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Quiesce status", "running", "Workers", "Profiler"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}

	quiesce.Stop()
	rec = httptest.NewRecorder()
	quiesce.HttpHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if !strings.Contains(rec.Body.String(), "stopped") {
		t.Error("page does not report the stopped state")
	}
}
