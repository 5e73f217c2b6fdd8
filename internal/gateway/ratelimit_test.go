package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiterAt(perMinute int) (*LoginLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := NewLoginLimiter(perMinute)
	l.now = clock.now
	return l, clock
}

func loginFrom(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.RemoteAddr = ip + ":5555"
	return r
}

func TestLoginLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newLimiterAt(3)
	r := loginFrom("10.0.0.1")
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(r); !ok {
			t.Fatalf("attempt %d refused inside burst", i)
		}
	}
	ok, wait := l.Allow(r)
	if ok {
		t.Fatal("attempt beyond burst allowed")
	}
	if wait <= 0 || wait > 21*time.Second {
		t.Fatalf("retry after %v, want about 20s", wait)
	}

	clock.advance(wait + time.Millisecond)
	if ok, _ := l.Allow(r); !ok {
		t.Fatal("attempt refused after waiting the advertised delay")
	}
}

func TestLoginLimiter_PerClientIP(t *testing.T) {
	l, _ := newLimiterAt(1)
	a, b := loginFrom("10.0.0.1"), loginFrom("10.0.0.2")

	if ok, _ := l.Allow(a); !ok {
		t.Fatal("first request from a denied")
	}
	if ok, _ := l.Allow(a); ok {
		t.Fatal("second request from a allowed")
	}
	if ok, _ := l.Allow(b); !ok {
		t.Fatal("client b throttled by client a")
	}
	if l.BucketCount() != 2 {
		t.Fatalf("BucketCount = %d, want 2", l.BucketCount())
	}
}

func TestLoginLimiter_EvictStale(t *testing.T) {
	l, clock := newLimiterAt(5)
	l.Allow(loginFrom("10.0.0.1"))

	if n := l.EvictStale(time.Hour); n != 0 || l.BucketCount() != 1 {
		t.Fatalf("fresh bucket evicted (n=%d)", n)
	}
	clock.advance(2 * time.Hour)
	if n := l.EvictStale(time.Hour); n != 1 || l.BucketCount() != 0 {
		t.Fatalf("stale bucket kept (n=%d, count=%d)", n, l.BucketCount())
	}
}
