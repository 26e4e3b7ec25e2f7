package wifi

import "testing"

func reqEqualRows(t *testing.T, got, want [][]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("row count: got %d want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d field count: got %v want %v", i, got[i], want[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("row %d field %d: got %q want %q", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestSplitTerseLineBasic(t *testing.T) {
	got := splitTerseLine("uuid-1:802-11-wireless:MyHome:AA\\:BB\\:CC\\:DD\\:EE\\:FF:1700000000")
	want := []string{"uuid-1", "802-11-wireless", "MyHome", "AA:BB:CC:DD:EE:FF", "1700000000"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSplitTerseLineEmptyFields(t *testing.T) {
	got := splitTerseLine("a::c")
	want := []string{"a", "", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSplitTerseLineEscapedColonInField(t *testing.T) {
	got := splitTerseLine("Guest\\:Net:open")
	want := []string{"Guest:Net", "open"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSplitTerseOutputSkipsBlankLines(t *testing.T) {
	out := "a:b\n\nc:d\n"
	got := splitTerseOutput(out)
	want := [][]string{{"a", "b"}, {"c", "d"}}
	reqEqualRows(t, got, want)
}

func TestFieldOutOfRangeReturnsEmpty(t *testing.T) {
	row := []string{"a", "b"}
	if field(row, 5) != "" {
		t.Fatalf("expected empty string for out-of-range index")
	}
	if field(row, -1) != "" {
		t.Fatalf("expected empty string for negative index")
	}
	if field(row, 0) != "a" {
		t.Fatalf("expected a")
	}
}
