// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ops

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunAllLimitsConcurrency(t *testing.T) {
	var inFlight, peak, done int32
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func() error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			atomic.AddInt32(&done, 1)
			return nil
		}
	}
	if err := RunAll(tasks, 3); err != nil {
		t.Fatal(err)
	}
	if done != 20 {
		t.Errorf("got %d tasks done want 20", done)
	}
	if peak > 3 {
		t.Errorf("got %d tasks in flight, limit 3", peak)
	}
}

func TestRunAllJoinsErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	tasks := []Task{
		func() error { return errA },
		func() error { return nil },
		func() error { return errB },
	}
	err := RunAll(tasks, 2)
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("got %v, want both errors", err)
	}
	if err := RunAll(nil, 2); err != nil {
		t.Errorf("got %v for no tasks", err)
	}
}

func TestBudget(t *testing.T) {
	c := &Context{Log: io.Discard, MemoryMB: 100, MaxThreads: 8}
	if got := c.Budget(0); got != 8 {
		t.Errorf("got %d want 8", got)
	}
	if got := c.Budget(10 * 1024 * 1024); got != 5 {
		t.Errorf("got %d want 5", got)
	}
	if got := c.Budget(1 << 40); got != 1 {
		t.Errorf("got %d want 1", got)
	}
	if NewContext(io.Discard, 0).MaxThreads < 1 {
		t.Errorf("default context without threads")
	}
}

func TestIsPathAllowed(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"data/template.fits", true},
		{"/etc/passwd", false},
		{"../secret.fits", false},
		{"a/../../b.fits", false},
	}
	for _, c := range cases {
		if got := IsPathAllowed(c.path); got != c.want {
			t.Errorf("%s: got %v want %v", c.path, got, c.want)
		}
	}
}

func TestPoolGetCleared(t *testing.T) {
	a := PoolUint8.Get(16)
	for i := range a {
		a[i] = 7
	}
	PoolUint8.Put(a)
	b := PoolUint8.GetCleared(16)
	if len(b) != 16 {
		t.Fatalf("got length %d", len(b))
	}
	for i, v := range b {
		if v != 0 {
			t.Errorf("index %d: got %d want 0", i, v)
		}
	}
	PoolUint8.Put(b)
	ClearPools()
}

func TestContextLogSerializesWrites(t *testing.T) {
	buf := bytes.Buffer{}
	c := NewContext(&buf, 8)
	if SyncWriter(c.Log) != c.Log {
		t.Errorf("log wrapped twice")
	}
	tasks := make([]Task, 50)
	for i := range tasks {
		tasks[i] = func() error {
			_, err := io.WriteString(c.Log, "line\n")
			return err
		}
	}
	if err := RunAll(tasks, 8); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(buf.String(), "line\n"); got != len(tasks) {
		t.Errorf("got %d lines want %d", got, len(tasks))
	}
	if SyncWriter(nil) != io.Discard {
		t.Errorf("nil writer not discarded")
	}
}

func TestPoolSizedConcurrent(t *testing.T) {
	p := NewSizedPool[float32]()
	pools := make([]interface{}, 32)
	wg := sync.WaitGroup{}
	for i := range pools {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pools[i] = p.sized(99)
		}(i)
	}
	wg.Wait()
	for i, pool := range pools {
		if pool != pools[0] {
			t.Fatalf("goroutine %d got a different pool", i)
		}
	}
}
