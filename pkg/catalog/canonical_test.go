package catalog

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"FooBar":         "foobar",
		"foo-bar":        "foo-bar",
		"foo_bar":        "foo-bar",
		"foo.bar":        "foo-bar",
		"Foo--__..Bar":   "foo-bar",
		"already-clean":  "already-clean",
		"UPPER_CASE.lib": "upper-case-lib",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArmv6lSibling(t *testing.T) {
	name := "foo-0.1-cp34-cp34m-linux_armv7l.whl"
	sib, ok := Armv6lSibling(name)
	if !ok {
		t.Fatal("expected sibling rewrite")
	}
	if sib != "foo-0.1-cp34-cp34m-linux_armv6l.whl" {
		t.Errorf("got %q", sib)
	}

	if _, ok := Armv6lSibling("foo-0.1-cp34-cp34m-linux_x86_64.whl"); ok {
		t.Error("expected no sibling for non-armv7l platform tag")
	}
}

func TestBuildLogPath(t *testing.T) {
	cases := map[int64]string{
		0:           "0000/0000/0000.txt.gz",
		1:           "0000/0000/0001.txt.gz",
		10000:       "0000/0001/0000.txt.gz",
		123456789:   "0001/2345/6789.txt.gz",
		99999999999: "0999/9999/9999.txt.gz",
	}
	for id, want := range cases {
		if got := BuildLogPath(id); got != want {
			t.Errorf("BuildLogPath(%d) = %q, want %q", id, got, want)
		}
	}
}
