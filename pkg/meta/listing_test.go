package meta

import (
	"testing"
	"time"
)

func named(names ...string) []Object {
	out := make([]Object, len(names))
	for i, n := range names {
		out[i] = Object{Name: n}
	}
	return out
}

func objectNames(objs []Object) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Name
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCollapse_DelimiterPartitioning(t *testing.T) {
	candidates := named(
		"a.txt",
		"dir/one.txt",
		"dir/two.txt",
		"dir/sub/three.txt",
		"other/x.txt",
		"z.txt",
	)

	res := CollapseObjects(candidates, ListObjectsV2Options{Delimiter: "/"})

	if got, want := objectNames(res.Objects), []string{"a.txt", "z.txt"}; !equalStrings(got, want) {
		t.Errorf("Objects = %v, want %v", got, want)
	}
	if got, want := res.CommonPrefixes, []string{"dir/", "other/"}; !equalStrings(got, want) {
		t.Errorf("CommonPrefixes = %v, want %v", got, want)
	}
	if res.IsTruncated {
		t.Error("short listing marked truncated")
	}
}

func TestCollapse_PrefixInsideDelimiter(t *testing.T) {
	candidates := named(
		"dir/one.txt",
		"dir/sub/a.txt",
		"dir/sub/b.txt",
		"dir/two.txt",
	)

	res := CollapseObjects(candidates, ListObjectsV2Options{Prefix: "dir/", Delimiter: "/"})

	if got, want := objectNames(res.Objects), []string{"dir/one.txt", "dir/two.txt"}; !equalStrings(got, want) {
		t.Errorf("Objects = %v, want %v", got, want)
	}
	if got, want := res.CommonPrefixes, []string{"dir/sub/"}; !equalStrings(got, want) {
		t.Errorf("CommonPrefixes = %v, want %v", got, want)
	}
}

func TestCollapse_Pagination(t *testing.T) {
	candidates := named("a", "b", "c", "d", "e")

	var all []string
	token := ""
	pages := 0
	for {
		res := CollapseObjects(candidates, ListObjectsV2Options{
			MaxKeys:           2,
			ContinuationToken: token,
		})
		all = append(all, objectNames(res.Objects)...)
		pages++
		if !res.IsTruncated {
			break
		}
		token = res.NextToken
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if want := []string{"a", "b", "c", "d", "e"}; !equalStrings(all, want) {
		t.Errorf("paged names = %v, want %v", all, want)
	}
	if pages != 3 {
		t.Errorf("paged in %d pages, want 3", pages)
	}
}

func TestCollapse_PaginationWithDelimiter(t *testing.T) {
	candidates := named(
		"a.txt",
		"dir/one.txt",
		"dir/two.txt",
		"other/x.txt",
		"z.txt",
	)

	// Page 1: a.txt + dir/.
	res := CollapseObjects(candidates, ListObjectsV2Options{Delimiter: "/", MaxKeys: 2})
	if got := objectNames(res.Objects); !equalStrings(got, []string{"a.txt"}) {
		t.Fatalf("page 1 objects = %v", got)
	}
	if !equalStrings(res.CommonPrefixes, []string{"dir/"}) {
		t.Fatalf("page 1 prefixes = %v", res.CommonPrefixes)
	}
	if !res.IsTruncated {
		t.Fatal("page 1 not truncated")
	}

	// Page 2 resumes past "dir/" without re-emitting its children.
	res = CollapseObjects(candidates, ListObjectsV2Options{
		Delimiter:         "/",
		MaxKeys:           2,
		ContinuationToken: res.NextToken,
	})
	if got := objectNames(res.Objects); !equalStrings(got, []string{"z.txt"}) {
		t.Errorf("page 2 objects = %v, want [z.txt]", got)
	}
	if !equalStrings(res.CommonPrefixes, []string{"other/"}) {
		t.Errorf("page 2 prefixes = %v", res.CommonPrefixes)
	}
	if res.IsTruncated {
		t.Error("final page marked truncated")
	}
}

func TestCollapse_StartAfter(t *testing.T) {
	candidates := named("a", "b", "c")

	res := CollapseObjects(candidates, ListObjectsV2Options{StartAfter: "a"})
	if got, want := objectNames(res.Objects), []string{"b", "c"}; !equalStrings(got, want) {
		t.Errorf("Objects = %v, want %v", got, want)
	}
}

func TestSortToken_RoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 30, 0, 123456789, time.UTC)
	token := EncodeSortToken(at, "dir/a.png")

	ts, name, err := DecodeSortToken(token)
	if err != nil {
		t.Fatalf("DecodeSortToken: %v", err)
	}
	if !ts.Equal(at) || name != "dir/a.png" {
		t.Errorf("got (%v, %q), want (%v, %q)", ts, name, at, "dir/a.png")
	}
}

func TestDecodeSortToken_Invalid(t *testing.T) {
	for _, token := range []string{"%%%", "bm8tc2VwYXJhdG9y"} {
		if _, _, err := DecodeSortToken(token); err == nil {
			t.Errorf("DecodeSortToken(%q) succeeded", token)
		}
	}
}
