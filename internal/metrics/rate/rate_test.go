package rate

import (
	"errors"
	"net/http"
	"testing"

	"cryptoworker/logger"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		venue string
		msg   string
		want  Limit
	}{
		{"binance", "code=-1003, msg=Too many requests", LimitRate},
		{"okx", "IP has been blocked for 60 seconds", LimitIPBan},
		{"bybit", "IP rate limit reached", LimitIPBan},
		{"bybit", "retCode=10006 too many visits", LimitRate},
		{"hyperliquid", "status 429", LimitRate},
		{"unknown", "hello world", LimitNone},
	}
	for _, c := range cases {
		if got := Detect(c.venue, c.msg); got != c.want {
			t.Errorf("Detect(%s, %q) = %v, want %v", c.venue, c.msg, got, c.want)
		}
	}
}

func TestReportError(t *testing.T) {
	log := logger.GetLogger()
	if got := ReportError(log, "okx", "BTC-USDT-SWAP", "place_order", errors.New("50011 Too Many Requests")); got != LimitRate {
		t.Fatalf("expected LimitRate, got %v", got)
	}
	if got := ReportError(log, "okx", "", "", nil); got != LimitNone {
		t.Fatalf("nil error should classify as none")
	}
}

func TestUsedWeightFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1m", "42")
	if got := UsedWeightFromHeader(h); got != 42 {
		t.Fatalf("binance weight: got %d", got)
	}

	h = http.Header{}
	h.Set("X-Bapi-Limit", "120")
	h.Set("X-Bapi-Limit-Status", "100")
	if got := UsedWeightFromHeader(h); got != 20 {
		t.Fatalf("bybit weight: got %d", got)
	}

	h = http.Header{}
	h.Set("Rate-Limit-Limit", "60;w=2")
	h.Set("Rate-Limit-Remaining", "55;w=2")
	if got := UsedWeightFromHeader(h); got != 5 {
		t.Fatalf("okx weight: got %d", got)
	}

	if got := UsedWeightFromHeader(http.Header{}); got != 0 {
		t.Fatalf("empty header: got %d", got)
	}
}

func TestWSWeightTracker(t *testing.T) {
	tr := NewWSWeightTracker()
	tr.RegisterOutgoing(3)
	tr.RegisterOutgoing(2)
	tr.RegisterConnectionAttempt()
	msgs, attempts := tr.Stats()
	if msgs != 5 || attempts != 1 {
		t.Fatalf("unexpected stats msgs=%d attempts=%d", msgs, attempts)
	}
	ReportWSWeight(logger.GetLogger(), tr, "bybit", "public-0")
}

func TestExtractInts(t *testing.T) {
	got := extractInts("60;w=2")
	if len(got) != 2 || got[0] != 60 || got[1] != 2 {
		t.Fatalf("unexpected ints: %v", got)
	}
}
