package cachekey

import "testing"

func TestKeyForDeterministic(t *testing.T) {
	a := KeyFor("https://img.example.com/a.png")
	b := KeyFor("https://img.example.com/a.png")
	if a != b {
		t.Fatalf("相同标识应得到相同 key: %s != %s", a, b)
	}
	if len(a) != KeyLength {
		t.Fatalf("key 长度应为 %d，得到 %d", KeyLength, len(a))
	}
	if !Valid(a) {
		t.Fatalf("KeyFor 输出应通过 Valid")
	}
}

func TestKeyForDistinct(t *testing.T) {
	seen := make(map[string]string)
	for _, id := range []string{"", "a", "b", "https://x/1.png", "https://x/2.png", "https://x/1.png?"} {
		key := KeyFor(id)
		if prev, ok := seen[key]; ok {
			t.Fatalf("%q 与 %q 产生了相同 key", id, prev)
		}
		seen[key] = id
	}
}

func TestValidRejectsPaths(t *testing.T) {
	cases := []string{"", "../etc/passwd", KeyFor("x")[:10], "Z" + KeyFor("x")[1:]}
	for _, key := range cases {
		if Valid(key) {
			t.Fatalf("非法 key 不应通过校验: %q", key)
		}
	}
}

func TestVersionTag(t *testing.T) {
	testCases := []struct {
		build string
		want  int
	}{
		{"0.1.0", 1000},
		{"1.0.0", 1000000},
		{"v1.2.3", 1002003},
		{"1.2", 1002000},
		{"2.0.0-rc.1", 2000000},
		{"dev", 1},
		{"", 1},
		{"0.0.0", 1},
	}
	for _, tc := range testCases {
		if got := VersionTag(tc.build); got != tc.want {
			t.Fatalf("VersionTag(%q) = %d, want %d", tc.build, got, tc.want)
		}
	}
	if VersionTag("1.9.9") >= VersionTag("1.10.0") {
		t.Fatalf("版本号应单调递增")
	}
}
