package version

import "testing"

func TestFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		info Info
		want string
	}{
		{Info{Version: "v1.0.0"}, "v1.0.0"},
		{Info{Version: "v1.0.0", Commit: "abc"}, "v1.0.0 (abc)"},
		{Info{Version: "dev", Commit: "0123456789abcdef", Modified: true}, "dev (0123456789ab-dirty)"},
	}
	for _, tc := range cases {
		if got := format(tc.info); got != tc.want {
			t.Errorf("format(%+v) = %q, want %q", tc.info, got, tc.want)
		}
	}
}

func TestResolveHasVersion(t *testing.T) {
	t.Parallel()
	if Resolve().Version == "" {
		t.Fatal("Resolve returned an empty version")
	}
}
