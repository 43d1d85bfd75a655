package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		in   string
		def  int
		want int
	}{
		{"", 7, 7},
		{"42", 7, 42},
		{"-3", 7, -3},
		{"abc", 7, 7},
		{"4.5", 7, 7},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.in, tc.def); got != tc.want {
			t.Errorf("AtoiDefault(%q, %d) = %d, want %d", tc.in, tc.def, got, tc.want)
		}
	}
}

func TestClampPage(t *testing.T) {
	cases := []struct {
		page, size, max    int
		wantPage, wantSize int
	}{
		{1, 25, 100, 1, 25},
		{0, 25, 100, 1, 25},
		{-4, 25, 100, 1, 25},
		{2, 0, 100, 2, 100},
		{2, -1, 100, 2, 100},
		{2, 500, 100, 2, 100},
	}
	for _, tc := range cases {
		page, size := ClampPage(tc.page, tc.size, tc.max)
		if page != tc.wantPage || size != tc.wantSize {
			t.Errorf("ClampPage(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tc.page, tc.size, tc.max, page, size, tc.wantPage, tc.wantSize)
		}
	}
}

func TestPageBounds(t *testing.T) {
	cases := []struct {
		page, size, total int
		wantLo, wantHi    int
	}{
		{1, 10, 25, 0, 10},
		{2, 10, 25, 10, 20},
		{3, 10, 25, 20, 25},
		{4, 10, 25, 25, 25},
		{1, 10, 0, 0, 0},
	}
	for _, tc := range cases {
		lo, hi := PageBounds(tc.page, tc.size, tc.total)
		if lo != tc.wantLo || hi != tc.wantHi {
			t.Errorf("PageBounds(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tc.page, tc.size, tc.total, lo, hi, tc.wantLo, tc.wantHi)
		}
	}
}
