package scraper

import "testing"

func TestPathPageURL(t *testing.T) {
	tests := []struct {
		base string
		page int
		want string
	}{
		{"https://shop.example.com/shop/", 1, "https://shop.example.com/shop/"},
		{"https://shop.example.com/shop/", 2, "https://shop.example.com/shop/page/2/"},
		{"https://shop.example.com/shop", 3, "https://shop.example.com/shop/page/3/"},
	}
	for _, tc := range tests {
		if got := PathPageURL(tc.base, tc.page); got != tc.want {
			t.Errorf("PathPageURL(%q, %d) = %q, want %q", tc.base, tc.page, got, tc.want)
		}
	}
}

func TestQueryPageURL(t *testing.T) {
	build := QueryPageURL("paged")

	if got := build("https://shop.example.com/list?cat=combs", 1); got != "https://shop.example.com/list?cat=combs" {
		t.Errorf("page 1 should be the bare URL, got %q", got)
	}
	if got := build("https://shop.example.com/list?cat=combs", 4); got != "https://shop.example.com/list?cat=combs&paged=4" {
		t.Errorf("unexpected page 4 URL %q", got)
	}
}

func TestBuilderFor(t *testing.T) {
	b, err := BuilderFor("", "")
	if err != nil || b("https://x.test/", 2) != "https://x.test/page/2/" {
		t.Errorf("expected path builder by default")
	}

	b, err = BuilderFor("query", "")
	if err != nil || b("https://x.test/", 2) != "https://x.test/?page=2" {
		t.Errorf("expected query builder with default param, got %v", err)
	}

	if _, err := BuilderFor("cursor", ""); err == nil {
		t.Errorf("expected error for unknown strategy")
	}
}
