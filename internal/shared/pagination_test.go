package shared

import "testing"

func TestPaginationBounds(t *testing.T) {
	cases := []struct {
		page, perPage, total int
		start, end, pages    int
	}{
		{1, 20, 45, 0, 20, 3},
		{3, 20, 45, 40, 45, 3},
		{9, 20, 45, 45, 45, 3},
		{0, 0, 5, 0, 5, 1},
		{1, 10, 0, 0, 0, 0},
	}
	for _, tc := range cases {
		p := NewPagination(tc.page, tc.perPage, tc.total)
		start, end := p.Bounds()
		if start != tc.start || end != tc.end || p.TotalPages != tc.pages {
			t.Fatalf("page %d/%d of %d: got [%d,%d) pages %d", tc.page, tc.perPage, tc.total, start, end, p.TotalPages)
		}
	}
}
