package replprobe

import "testing"

func TestParseLSN_RoundTrip(t *testing.T) {
	cases := []string{"0/500", "0/600", "1/0", "A/FF000000"}
	for _, c := range cases {
		lsn, err := ParseLSN(c)
		if err != nil {
			t.Fatalf("ParseLSN(%q): %v", c, err)
		}
		if lsn == 0 && c != "0/0" {
			t.Errorf("ParseLSN(%q) unexpectedly zero", c)
		}
		if back, err := ParseLSN(lsn.String()); err != nil || back != lsn {
			t.Errorf("ParseLSN(%q) round trip via String() = %v, %v; want %v", c, back, err, lsn)
		}
	}
}

func TestLSN_Ordering(t *testing.T) {
	a, _ := ParseLSN("0/500")
	b, _ := ParseLSN("0/600")
	if !(a < b) {
		t.Errorf("expected 0/500 < 0/600")
	}
}

func TestParseLSN_Malformed(t *testing.T) {
	if _, err := ParseLSN("not-an-lsn"); err == nil {
		t.Error("expected error for malformed LSN")
	}
}
