package bufpool

import "testing"

func TestGetReturnsExactSize(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Errorf("len = %d, want 4096", len(buf))
	}
	pool.Put(buf)

	again := pool.Get()
	if len(again) != 4096 {
		t.Errorf("reused len = %d, want 4096", len(again))
	}
	if pool.Size() != 4096 {
		t.Errorf("Size() = %d", pool.Size())
	}
}

func TestPutDiscardsUndersizedBuffer(t *testing.T) {
	pool := New(4096)
	pool.Put(make([]byte, 64))

	if buf := pool.Get(); len(buf) != 4096 {
		t.Errorf("len after undersized Put = %d, want 4096", len(buf))
	}
}

func TestManyBuffersKeepTheirSize(t *testing.T) {
	pool := New(8192)
	bufs := make([][]byte, 16)
	for i := range bufs {
		bufs[i] = pool.Get()
	}
	for _, buf := range bufs {
		pool.Put(buf)
	}
	for i := 0; i < 16; i++ {
		buf := pool.Get()
		if len(buf) != 8192 {
			t.Fatalf("round %d: len = %d, want 8192", i, len(buf))
		}
		pool.Put(buf)
	}
}

func TestNewPanicsOnBadSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", size)
				}
			}()
			New(size)
		}()
	}
}
